package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/session"
	"go.uber.org/zap"
)

var _ session.Handler = (*SessionBridge)(nil)

// errSessionRevoked ends a session whose device lost its credentials.
var errSessionRevoked = fmt.Errorf("%w: %w", session.ErrRejected, ErrUnauthorized)

// SessionBridge applies websocket session events to the registry and queue.
type SessionBridge struct {
	registry   *DeviceRegistry
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewSessionBridge builds SessionBridge.
func NewSessionBridge(registry *DeviceRegistry, dispatcher *Dispatcher, logger *zap.Logger) *SessionBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionBridge{registry: registry, dispatcher: dispatcher, logger: logger}
}

// SessionOpened marks the device online over websocket and flushes its queue.
func (b *SessionBridge) SessionOpened(ctx context.Context, device *model.Device, sessionID string) error {
	if err := b.ensureActive(ctx, device.ID); err != nil {
		return err
	}
	sid := sessionID
	if _, err := b.registry.UpdateConnectivity(ctx, device.ID, true, model.ConnectionWebSocket, &sid); err != nil {
		return err
	}
	if _, err := b.registry.RecordContact(ctx, device.ID, ""); err != nil {
		return err
	}
	if _, err := b.dispatcher.DrainDevice(ctx, device.ID); err != nil {
		b.logger.Warn("drain on connect failed", zap.Uint64("device_id", device.ID), zap.Error(err))
	}
	return nil
}

func (b *SessionBridge) SessionHeartbeat(ctx context.Context, device *model.Device, sessionID, localIP string) error {
	if err := b.ensureActive(ctx, device.ID); err != nil {
		return err
	}
	localIP, err := ParseLocalIP(localIP)
	if err != nil {
		return err
	}
	sid := sessionID
	if _, err := b.registry.UpdateConnectivity(ctx, device.ID, true, model.ConnectionWebSocket, &sid); err != nil {
		return err
	}
	_, err = b.registry.RecordContact(ctx, device.ID, localIP)
	return err
}

func (b *SessionBridge) SessionAck(ctx context.Context, device *model.Device, ack session.Ack) error {
	if err := b.ensureActive(ctx, device.ID); err != nil {
		return err
	}
	if _, err := b.registry.RecordContact(ctx, device.ID, ""); err != nil {
		return err
	}
	return b.dispatcher.CompleteCommand(ctx, device.ID, ack.MessageID, ack.Success, ack.Response, ack.Error)
}

func (b *SessionBridge) SessionClosed(ctx context.Context, device *model.Device, sessionID string) {
	if _, err := b.registry.EndSession(ctx, device.ID, sessionID); err != nil {
		b.logger.Warn("end session failed", zap.Uint64("device_id", device.ID), zap.Error(err))
	}
}

// ensureActive reloads the device so frames from a session opened before a
// revocation or deletion are refused.
func (b *SessionBridge) ensureActive(ctx context.Context, id uint64) error {
	device, err := b.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return errSessionRevoked
		}
		return err
	}
	if !device.Active {
		return errSessionRevoked
	}
	return nil
}
