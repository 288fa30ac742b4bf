package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/transport"
	"go.uber.org/zap"
)

// StatusFetcher reads the live status document from a controller.
type StatusFetcher interface {
	Status(ctx context.Context, ip string) (map[string]any, error)
}

// SendRequest is an operator's command request.
type SendRequest struct {
	DeviceID uint64
	Kind     model.CommandKind
	Payload  json.RawMessage
	Priority int
}

// DispatcherOptions tunes device-facing behaviour.
type DispatcherOptions struct {
	// ClaimOnPoll marks polled commands as sent in the same store transaction.
	ClaimOnPoll bool
	// DrainLimit caps how many commands one drain pass pushes.
	DrainLimit int
}

// Dispatcher connects queueing, routing and transports.
type Dispatcher struct {
	registry   *DeviceRegistry
	commands   *CommandService
	routing    *RoutingService
	transports *transport.Set
	status     StatusFetcher
	opts       DispatcherOptions
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewDispatcher builds Dispatcher.
func NewDispatcher(
	registry *DeviceRegistry,
	commands *CommandService,
	routing *RoutingService,
	transports *transport.Set,
	status StatusFetcher,
	opts DispatcherOptions,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	if opts.DrainLimit <= 0 {
		opts.DrainLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if transports == nil {
		transports = transport.NewSet()
	}
	return &Dispatcher{
		registry:   registry,
		commands:   commands,
		routing:    routing,
		transports: transports,
		status:     status,
		opts:       opts,
		metrics:    m,
		logger:     logger,
	}
}

// SendCommand queues a command and makes one best-effort immediate delivery.
// Transport failures leave the command pending and are not returned.
func (d *Dispatcher) SendCommand(ctx context.Context, req SendRequest) (*model.DispatchResult, error) {
	device, err := d.registry.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !device.Active {
		return nil, ErrDeviceInactive
	}
	cmd, err := d.commands.Enqueue(ctx, device.ID, req.Kind, req.Payload, req.Priority)
	if err != nil {
		return nil, err
	}

	result := &model.DispatchResult{
		CommandID: cmd.ID,
		MessageID: cmd.MessageID,
		Status:    cmd.Status,
		Route:     model.ConnectionOffline,
	}
	route, delivered, err := d.AttemptDelivery(ctx, cmd)
	if err != nil {
		d.logger.Error("immediate delivery aborted", zap.String("message_id", cmd.MessageID), zap.Error(err))
		return result, nil
	}
	result.Route = route.Mode
	result.Delivered = delivered
	if delivered {
		result.Status = model.StatusSent
	}
	return result, nil
}

// AttemptDelivery routes cmd and pushes it over the chosen transport. It
// reports delivered=true once the transport confirmed the send. Transport
// errors are logged and reported as delivered=false with a nil error.
func (d *Dispatcher) AttemptDelivery(ctx context.Context, cmd *model.Command) (model.Route, bool, error) {
	route, err := d.routing.RouteCommand(ctx, cmd.DeviceID)
	if err != nil {
		return model.Route{}, false, err
	}
	logger := d.logger.With(
		zap.Uint64("device_id", cmd.DeviceID),
		zap.String("message_id", cmd.MessageID),
		zap.String("route", string(route.Mode)),
	)
	if route.Mode == model.ConnectionOffline {
		d.metrics.Delivery(string(route.Mode), "offline")
		logger.Debug("device offline, command stays queued")
		return route, false, nil
	}

	if err := d.transports.For(route.Mode).Deliver(ctx, route, cmd); err != nil {
		result := "failed"
		if errors.Is(err, transport.ErrOffline) {
			result = "offline"
		}
		d.metrics.Delivery(string(route.Mode), result)
		logger.Warn("immediate delivery failed, command stays queued", zap.Error(err))
		return route, false, nil
	}

	// a concurrent poll may have claimed it already; the frame still went out
	if _, err := d.commands.MarkSent(ctx, cmd.MessageID); err != nil {
		return route, false, err
	}
	d.metrics.Delivery(string(route.Mode), "delivered")
	logger.Info("command delivered")
	return route, true, nil
}

// DrainDevice pushes the device's pending commands in dispatch order until
// one delivery fails. It returns how many were delivered.
func (d *Dispatcher) DrainDevice(ctx context.Context, deviceID uint64) (int, error) {
	device, err := d.registry.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if !device.Active {
		return 0, nil
	}
	pending, err := d.commands.store.ListCommands(ctx, model.CommandFilter{
		DeviceID: deviceID,
		Status:   model.StatusPending,
		Limit:    d.opts.DrainLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	delivered := 0
	for _, cmd := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		_, ok, err := d.AttemptDelivery(ctx, cmd)
		if err != nil {
			return delivered, err
		}
		if !ok {
			break
		}
		delivered++
	}
	if delivered > 0 {
		d.logger.Info("drained pending commands", zap.Uint64("device_id", deviceID), zap.Int("delivered", delivered))
	}
	return delivered, nil
}

// PendingCommands serves a device poll.
func (d *Dispatcher) PendingCommands(ctx context.Context, deviceID uint64, limit int) ([]*model.Command, error) {
	if d.opts.ClaimOnPoll {
		return d.commands.ClaimPending(ctx, deviceID, limit)
	}
	return d.commands.ListPending(ctx, deviceID, limit)
}

// CompleteCommand applies a device acknowledgement. Commands of other
// devices are reported as not found.
func (d *Dispatcher) CompleteCommand(ctx context.Context, deviceID uint64, messageID string, success bool, response json.RawMessage, errText string) error {
	cmd, err := d.commands.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if cmd.DeviceID != deviceID {
		d.logger.Warn("ack for foreign command rejected",
			zap.Uint64("device_id", deviceID),
			zap.Uint64("owner_id", cmd.DeviceID),
			zap.String("message_id", messageID),
		)
		return ErrCommandNotFound
	}
	var found bool
	if success {
		found, err = d.commands.Complete(ctx, messageID, response)
	} else {
		found, err = d.commands.Fail(ctx, messageID, errText)
	}
	if err != nil {
		return err
	}
	if !found {
		return ErrCommandNotFound
	}
	return nil
}

// Status reports stored connectivity, merged with the live document when the
// device answers on its local address.
func (d *Dispatcher) Status(ctx context.Context, deviceID uint64) (*model.DeviceStatus, error) {
	device, err := d.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	out := &model.DeviceStatus{
		DeviceID:       device.ID,
		Name:           device.Name,
		IsOnline:       device.IsOnline,
		ConnectionType: device.ConnectionType,
		LastHeartbeat:  device.LastHeartbeat,
		LocalIP:        device.LastLocalIP,
		LastContactAt:  device.LastContactAt,
	}
	if d.status == nil {
		return out, nil
	}
	route := d.routing.route(ctx, device)
	if route.Mode != model.ConnectionHTTPLocal {
		return out, nil
	}
	live, err := d.status.Status(ctx, route.LocalIP)
	if err != nil {
		d.logger.Warn("live status unavailable", zap.Uint64("device_id", deviceID), zap.Error(err))
		return out, nil
	}
	out.IsOnline = true
	out.ConnectionType = model.ConnectionHTTPLocal
	out.Live = live
	return out, nil
}
