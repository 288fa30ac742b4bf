package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/crypto"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	"go.uber.org/zap"
)

const tokenAttempts = 5

// DeviceRegistry owns device identity, credentials and connectivity state.
type DeviceRegistry struct {
	store       storage.Store
	tokenLength int
	logger      *zap.Logger
	now         func() time.Time
	onRevoke    []func(id uint64)
}

// NewDeviceRegistry constructs DeviceRegistry.
func NewDeviceRegistry(store storage.Store, tokenLength int, logger *zap.Logger) *DeviceRegistry {
	if tokenLength <= 0 {
		tokenLength = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceRegistry{
		store:       store,
		tokenLength: tokenLength,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register enrolls a new device under the administrator owning code.
func (r *DeviceRegistry) Register(ctx context.Context, code, name string) (*model.Device, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > 100 {
		return nil, fmt.Errorf("%w: name longer than 100 characters", ErrValidation)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrValidation)
	}

	admin, err := r.store.GetAdministratorByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("lookup administrator: %w", err)
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := crypto.GenerateToken(r.tokenLength)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		adminID := admin.ID
		device := &model.Device{
			Name:            name,
			AdministratorID: &adminID,
			Token:           token,
			Active:          true,
			ConnectionType:  model.ConnectionOffline,
		}
		err = r.store.CreateDevice(ctx, device)
		if err == nil {
			r.logger.Info("device registered", zap.Uint64("device_id", device.ID), zap.Uint64("administrator_id", adminID))
			return device, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("create device: %w", err)
		}
	}
	return nil, fmt.Errorf("create device: token collisions after %d attempts", tokenAttempts)
}

// Authenticate resolves a bearer token to an active device. Every failure
// collapses to ErrUnauthorized.
func (r *DeviceRegistry) Authenticate(ctx context.Context, token string) (*model.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	device, err := r.store.GetDeviceByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("lookup device token: %w", err)
	}
	if !device.Active {
		return nil, ErrUnauthorized
	}
	return device, nil
}

// OnRevoke registers fn to run after a device loses its credentials, either
// by token revocation or deletion.
func (r *DeviceRegistry) OnRevoke(fn func(id uint64)) {
	r.onRevoke = append(r.onRevoke, fn)
}

// RecordContact stamps last contact; ip replaces the stored address only when non-empty.
func (r *DeviceRegistry) RecordContact(ctx context.Context, id uint64, ip string) (*model.Device, error) {
	ip, err := ParseLocalIP(ip)
	if err != nil {
		return nil, err
	}
	now := r.now()
	return r.update(ctx, id, func(d *model.Device) bool {
		d.LastContactAt = &now
		if ip != "" {
			d.LastLocalIP = &ip
		}
		return true
	})
}

// RevokeToken deactivates the device and rotates its token.
func (r *DeviceRegistry) RevokeToken(ctx context.Context, id uint64) (*model.Device, error) {
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := crypto.GenerateToken(r.tokenLength)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		device, err := r.update(ctx, id, func(d *model.Device) bool {
			if d.Token == token {
				return false
			}
			d.Active = false
			d.Token = token
			return true
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		if device.Token != token {
			continue
		}
		r.logger.Info("device token revoked", zap.Uint64("device_id", id))
		r.revoked(id)
		return device, nil
	}
	return nil, fmt.Errorf("revoke token: token collisions after %d attempts", tokenAttempts)
}

// UpdateConnectivity records a connectivity observation. The heartbeat is
// refreshed whenever online is true; sessionID is stored only when provided.
func (r *DeviceRegistry) UpdateConnectivity(ctx context.Context, id uint64, online bool, connType model.ConnectionType, sessionID *string) (*model.Device, error) {
	if !connType.Valid() {
		return nil, fmt.Errorf("%w: unknown connection type %q", ErrValidation, connType)
	}
	now := r.now()
	return r.update(ctx, id, func(d *model.Device) bool {
		d.IsOnline = online
		d.ConnectionType = connType
		if online {
			d.LastHeartbeat = &now
		}
		if sessionID != nil {
			sid := *sessionID
			d.SessionID = &sid
		}
		return true
	})
}

// MarkOffline clears online state and the session handle. Repeated calls are no-ops.
func (r *DeviceRegistry) MarkOffline(ctx context.Context, id uint64) (*model.Device, error) {
	return r.update(ctx, id, func(d *model.Device) bool {
		if !d.IsOnline && d.ConnectionType == model.ConnectionOffline && d.SessionID == nil {
			return false
		}
		d.IsOnline = false
		d.ConnectionType = model.ConnectionOffline
		d.SessionID = nil
		return true
	})
}

// EndSession marks the device offline only if sessionID is still the stored
// handle, so a closing stale socket never clobbers a newer session.
func (r *DeviceRegistry) EndSession(ctx context.Context, id uint64, sessionID string) (bool, error) {
	ended := false
	_, err := r.update(ctx, id, func(d *model.Device) bool {
		if d.Session() != sessionID {
			return false
		}
		d.IsOnline = false
		d.ConnectionType = model.ConnectionOffline
		d.SessionID = nil
		ended = true
		return true
	})
	return ended, err
}

// Heartbeat records an HTTP heartbeat. A device holding a live websocket
// session keeps that route; otherwise it becomes reachable over http_local.
func (r *DeviceRegistry) Heartbeat(ctx context.Context, id uint64, localIP string) (*model.Device, error) {
	localIP, err := ParseLocalIP(localIP)
	if err != nil {
		return nil, err
	}
	now := r.now()
	return r.update(ctx, id, func(d *model.Device) bool {
		d.IsOnline = true
		d.LastHeartbeat = &now
		d.LastContactAt = &now
		if localIP != "" {
			d.LastLocalIP = &localIP
		}
		if d.ConnectionType != model.ConnectionWebSocket || d.SessionID == nil {
			d.ConnectionType = model.ConnectionHTTPLocal
		}
		return true
	})
}

// MarkStaleOffline marks online devices whose last heartbeat is older than
// cutoff as offline. keep may exempt devices that are provably connected.
func (r *DeviceRegistry) MarkStaleOffline(ctx context.Context, cutoff time.Time, keep func(id uint64) bool) (int, error) {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list devices: %w", err)
	}
	stale := func(d *model.Device) bool {
		return d.IsOnline && (d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff))
	}
	count := 0
	for _, device := range devices {
		if !stale(device) || (keep != nil && keep(device.ID)) {
			continue
		}
		changed := false
		_, err := r.update(ctx, device.ID, func(d *model.Device) bool {
			if !stale(d) {
				return false
			}
			d.IsOnline = false
			d.ConnectionType = model.ConnectionOffline
			d.SessionID = nil
			changed = true
			return true
		})
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// Get returns one device.
func (r *DeviceRegistry) Get(ctx context.Context, id uint64) (*model.Device, error) {
	device, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, ErrDeviceNotFound)
	}
	return device, nil
}

// List returns every device.
func (r *DeviceRegistry) List(ctx context.Context) ([]*model.Device, error) {
	return r.store.ListDevices(ctx)
}

// Rename changes the display name.
func (r *DeviceRegistry) Rename(ctx context.Context, id uint64, name string) (*model.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, fmt.Errorf("%w: name must be 1-100 characters", ErrValidation)
	}
	return r.update(ctx, id, func(d *model.Device) bool {
		if d.Name == name {
			return false
		}
		d.Name = name
		return true
	})
}

// Delete removes the device and its commands.
func (r *DeviceRegistry) Delete(ctx context.Context, id uint64) error {
	if err := r.store.DeleteDevice(ctx, id); err != nil {
		return translateStoreErr(err, ErrDeviceNotFound)
	}
	r.logger.Info("device deleted", zap.Uint64("device_id", id))
	r.revoked(id)
	return nil
}

// SeedAdministrators upserts configured administrators by enrollment code.
func (r *DeviceRegistry) SeedAdministrators(ctx context.Context, admins []model.Administrator) error {
	for i := range admins {
		admin := admins[i]
		if strings.TrimSpace(admin.Code) == "" {
			return fmt.Errorf("%w: administrator %q has no code", ErrValidation, admin.Name)
		}
		if err := r.store.UpsertAdministrator(ctx, &admin); err != nil {
			return fmt.Errorf("seed administrator %q: %w", admin.Code, err)
		}
	}
	return nil
}

func (r *DeviceRegistry) revoked(id uint64) {
	for _, fn := range r.onRevoke {
		fn(id)
	}
}

func (r *DeviceRegistry) update(ctx context.Context, id uint64, mutate func(*model.Device) bool) (*model.Device, error) {
	device, err := r.store.UpdateDevice(ctx, id, mutate)
	if err != nil {
		return nil, translateStoreErr(err, ErrDeviceNotFound)
	}
	return device, nil
}

// ParseLocalIP validates a device-reported LAN address: an IP literal with
// an optional port. Empty input yields an empty address.
func ParseLocalIP(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	host, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		host, port = h, p
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("%w: local_ip must be an IP address", ErrValidation)
	}
	if port == "" {
		return ip.String(), nil
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: local_ip has an invalid port", ErrValidation)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func translateStoreErr(err, notFound error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound
	}
	return err
}
