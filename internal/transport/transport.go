package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/doorlink/doorlink-gateway/internal/model"
)

// ErrOffline is returned when a device has no usable transport right now.
var ErrOffline = errors.New("device offline")

// Transport pushes one command to a device over a single route kind.
type Transport interface {
	Mode() model.ConnectionType
	Deliver(ctx context.Context, route model.Route, cmd *model.Command) error
}

// CommandSender posts frames to a controller's local HTTP server.
type CommandSender interface {
	SendCommand(ctx context.Context, ip string, frame model.DeliveryFrame) error
}

// SessionSender writes frames to an open websocket session.
type SessionSender interface {
	Send(ctx context.Context, sessionID string, frame model.DeliveryFrame) error
}

// HTTPLocal delivers through the device's embedded HTTP server.
type HTTPLocal struct {
	Client CommandSender
}

func (HTTPLocal) Mode() model.ConnectionType { return model.ConnectionHTTPLocal }

func (t HTTPLocal) Deliver(ctx context.Context, route model.Route, cmd *model.Command) error {
	if route.LocalIP == "" {
		return fmt.Errorf("%w: no local ip for device %d", ErrOffline, route.DeviceID)
	}
	return t.Client.SendCommand(ctx, route.LocalIP, model.ToFrame(cmd))
}

// WebSocket delivers over the device's live session.
type WebSocket struct {
	Sessions SessionSender
}

func (WebSocket) Mode() model.ConnectionType { return model.ConnectionWebSocket }

func (t WebSocket) Deliver(ctx context.Context, route model.Route, cmd *model.Command) error {
	if route.SessionID == "" {
		return fmt.Errorf("%w: no session for device %d", ErrOffline, route.DeviceID)
	}
	return t.Sessions.Send(ctx, route.SessionID, model.ToFrame(cmd))
}

// Offline never delivers; the command stays queued for the next poll.
type Offline struct{}

func (Offline) Mode() model.ConnectionType { return model.ConnectionOffline }

func (Offline) Deliver(context.Context, model.Route, *model.Command) error {
	return ErrOffline
}

// Set picks the transport for a route mode.
type Set struct {
	byMode map[model.ConnectionType]Transport
}

// NewSet indexes transports by mode; later entries win.
func NewSet(transports ...Transport) *Set {
	s := &Set{byMode: make(map[model.ConnectionType]Transport, len(transports)+1)}
	s.byMode[model.ConnectionOffline] = Offline{}
	for _, t := range transports {
		s.byMode[t.Mode()] = t
	}
	return s
}

// For returns the transport for mode, falling back to Offline.
func (s *Set) For(mode model.ConnectionType) Transport {
	if t, ok := s.byMode[mode]; ok {
		return t
	}
	return Offline{}
}
