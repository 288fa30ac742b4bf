package storage

import (
	"context"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/model"
)

// DeviceStore persists devices and keeps the token index unique.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, id uint64) (*model.Device, error)
	GetDeviceByToken(ctx context.Context, token string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	// UpdateDevice applies mutate to the current record atomically. When
	// mutate returns false nothing is written and the current record is returned.
	UpdateDevice(ctx context.Context, id uint64, mutate func(*model.Device) bool) (*model.Device, error)
	// DeleteDevice removes the device and every command addressed to it.
	DeleteDevice(ctx context.Context, id uint64) error
}

// AdministratorStore resolves enrollment codes.
type AdministratorStore interface {
	UpsertAdministrator(ctx context.Context, admin *model.Administrator) error
	GetAdministratorByCode(ctx context.Context, code string) (*model.Administrator, error)
}

// CommandStore is the durable per-device command queue.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *model.Command) error
	GetCommandByMessageID(ctx context.Context, messageID string) (*model.Command, error)
	// ListCommands returns matches in dispatch order (priority desc, created asc).
	ListCommands(ctx context.Context, filter model.CommandFilter) ([]*model.Command, error)
	// UpdateCommand applies mutate atomically; the bool result reports whether
	// mutate asked for a write.
	UpdateCommand(ctx context.Context, messageID string, mutate func(*model.Command) bool) (*model.Command, bool, error)
	// ClaimPending selects up to limit pending commands in dispatch order and
	// marks them sent in the same transaction.
	ClaimPending(ctx context.Context, deviceID uint64, limit int, at time.Time) ([]*model.Command, error)
	// RequeueFailed resets failed commands with retry_count < maxRetries created
	// after createdAfter to pending.
	RequeueFailed(ctx context.Context, maxRetries int, createdAfter time.Time) (int, error)
	// RequeueStale resets sent commands whose sent_at is before sentBefore and
	// whose created_at is after createdAfter to pending.
	RequeueStale(ctx context.Context, sentBefore, createdAfter time.Time) (int, error)
	// PurgeTerminal deletes completed and failed commands created before createdBefore.
	PurgeTerminal(ctx context.Context, createdBefore time.Time) (int, error)
	// DevicesWithPending lists the device ids that have at least one pending command.
	DevicesWithPending(ctx context.Context) ([]uint64, error)
}

// Store abstracts all gateway persistence.
type Store interface {
	DeviceStore
	AdministratorStore
	CommandStore
	Close() error
}
