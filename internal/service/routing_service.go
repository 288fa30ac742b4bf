package service

import (
	"context"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"go.uber.org/zap"
)

// Prober checks whether a controller answers on its local address.
type Prober interface {
	Probe(ctx context.Context, ip string) bool
}

// RoutingService decides which transport reaches a device right now.
type RoutingService struct {
	registry *DeviceRegistry
	prober   Prober
	logger   *zap.Logger
}

// NewRoutingService builds RoutingService.
func NewRoutingService(registry *DeviceRegistry, prober Prober, logger *zap.Logger) *RoutingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingService{registry: registry, prober: prober, logger: logger}
}

// RouteCommand resolves the route for deviceID. Apart from the probe it is a
// pure read:
//  1. online over websocket            -> websocket
//  2. local address answers the probe  -> http_local
//  3. online but not locally confirmed -> websocket (best effort)
//  4. otherwise                        -> offline
func (s *RoutingService) RouteCommand(ctx context.Context, deviceID uint64) (model.Route, error) {
	device, err := s.registry.Get(ctx, deviceID)
	if err != nil {
		return model.Route{}, err
	}
	return s.route(ctx, device), nil
}

func (s *RoutingService) route(ctx context.Context, device *model.Device) model.Route {
	route := model.Route{
		DeviceID:  device.ID,
		LocalIP:   device.LocalIP(),
		SessionID: device.Session(),
		IsOnline:  device.IsOnline,
	}
	switch {
	case device.IsOnline && device.ConnectionType == model.ConnectionWebSocket:
		route.Mode = model.ConnectionWebSocket
	case route.LocalIP != "" && s.prober != nil && s.prober.Probe(ctx, route.LocalIP):
		route.Mode = model.ConnectionHTTPLocal
	case device.IsOnline:
		route.Mode = model.ConnectionWebSocket
	default:
		route.Mode = model.ConnectionOffline
	}
	s.logger.Debug("route resolved", zap.Uint64("device_id", device.ID), zap.String("mode", string(route.Mode)))
	return route
}

// UpdateConnectionStatus delegates to the registry.
func (s *RoutingService) UpdateConnectionStatus(ctx context.Context, deviceID uint64, online bool, connType model.ConnectionType, sessionID *string) (*model.Device, error) {
	return s.registry.UpdateConnectivity(ctx, deviceID, online, connType, sessionID)
}

// MarkOffline delegates to the registry.
func (s *RoutingService) MarkOffline(ctx context.Context, deviceID uint64) (*model.Device, error) {
	return s.registry.MarkOffline(ctx, deviceID)
}
