package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	"gorm.io/gorm"
)

var _ storage.Store = (*Store)(nil)

// maxCASAttempts bounds optimistic retries when concurrent writers race on a row.
const maxCASAttempts = 5

// Store is a gorm-backed Store implementation. Row updates use a version
// column for compare-and-swap.
type Store struct {
	DB  *gorm.DB
	now func() time.Time
}

// New migrates the schema and returns a ready store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&model.Administrator{}, &model.Device{}, &model.Command{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{DB: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithTx runs fn inside a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, now: s.now})
	})
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDevice inserts a device; a duplicate token maps to storage.ErrConflict.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if device.Token == "" {
		return fmt.Errorf("device token is required")
	}
	if device.ConnectionType == "" {
		device.ConnectionType = model.ConnectionOffline
	}
	now := s.now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	device.ID = 0
	return translateErr(s.DB.WithContext(ctx).Create(device).Error)
}

// GetDevice loads a device by id.
func (s *Store) GetDevice(ctx context.Context, id uint64) (*model.Device, error) {
	var device model.Device
	if err := s.DB.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &device, nil
}

// GetDeviceByToken resolves a device credential.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*model.Device, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}
	var device model.Device
	if err := s.DB.WithContext(ctx).First(&device, "token = ?", token).Error; err != nil {
		return nil, translateErr(err)
	}
	return &device, nil
}

// ListDevices returns every device ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	var devices []*model.Device
	if err := s.DB.WithContext(ctx).Order("id asc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// UpdateDevice reads, mutates and writes back with a version check, retrying
// when another writer got there first.
func (s *Store) UpdateDevice(ctx context.Context, id uint64, mutate func(*model.Device) bool) (*model.Device, error) {
	db := s.DB.WithContext(ctx)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var current model.Device
		if err := db.First(&current, "id = ?", id).Error; err != nil {
			return nil, translateErr(err)
		}
		next := current.Clone()
		if !mutate(next) {
			return &current, nil
		}
		if next.Token == "" {
			return nil, fmt.Errorf("device token is required")
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		res := db.Model(&model.Device{}).
			Where("id = ? AND version = ?", id, current.Version).
			Select("*").
			Updates(next)
		if res.Error != nil {
			return nil, translateErr(res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
	}
	return nil, storage.ErrConflict
}

// DeleteDevice removes the device together with its commands.
func (s *Store) DeleteDevice(ctx context.Context, id uint64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.DB.Where("device_id = ?", id).Delete(&model.Command{}).Error; err != nil {
			return err
		}
		res := tx.DB.Delete(&model.Device{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// UpsertAdministrator inserts or updates an administrator keyed by code.
func (s *Store) UpsertAdministrator(ctx context.Context, admin *model.Administrator) error {
	if admin.Code == "" {
		return fmt.Errorf("administrator code is required")
	}
	return s.WithTx(ctx, func(tx *Store) error {
		now := tx.now()
		var existing model.Administrator
		err := tx.DB.First(&existing, "code = ?", admin.Code).Error
		switch {
		case err == nil:
			if admin.ID != 0 && admin.ID != existing.ID {
				return storage.ErrConflict
			}
			admin.ID = existing.ID
			admin.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			if admin.CreatedAt.IsZero() {
				admin.CreatedAt = now
			}
		default:
			return err
		}
		admin.UpdatedAt = now
		return translateErr(tx.DB.Save(admin).Error)
	})
}

// GetAdministratorByCode looks up the administrator owning an enrollment code.
func (s *Store) GetAdministratorByCode(ctx context.Context, code string) (*model.Administrator, error) {
	if code == "" {
		return nil, storage.ErrNotFound
	}
	var admin model.Administrator
	if err := s.DB.WithContext(ctx).First(&admin, "code = ?", code).Error; err != nil {
		return nil, translateErr(err)
	}
	return &admin, nil
}

// CreateCommand inserts a command for an existing device.
func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	if cmd.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	now := s.now()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = now
	cmd.ID = 0
	return s.WithTx(ctx, func(tx *Store) error {
		var count int64
		if err := tx.DB.Model(&model.Device{}).Where("id = ?", cmd.DeviceID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrNotFound
		}
		return translateErr(tx.DB.Create(cmd).Error)
	})
}

// GetCommandByMessageID loads a command by its message id.
func (s *Store) GetCommandByMessageID(ctx context.Context, messageID string) (*model.Command, error) {
	if messageID == "" {
		return nil, storage.ErrNotFound
	}
	var cmd model.Command
	if err := s.DB.WithContext(ctx).First(&cmd, "message_id = ?", messageID).Error; err != nil {
		return nil, translateErr(err)
	}
	return &cmd, nil
}

// ListCommands returns commands matching filter in dispatch order.
func (s *Store) ListCommands(ctx context.Context, filter model.CommandFilter) ([]*model.Command, error) {
	q := dispatchOrder(s.DB.WithContext(ctx).Model(&model.Command{}))
	if filter.DeviceID != 0 {
		q = q.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var cmds []*model.Command
	if err := q.Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

// UpdateCommand applies mutate under a version check. The bool reports
// whether a write happened.
func (s *Store) UpdateCommand(ctx context.Context, messageID string, mutate func(*model.Command) bool) (*model.Command, bool, error) {
	db := s.DB.WithContext(ctx)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var current model.Command
		if err := db.First(&current, "message_id = ?", messageID).Error; err != nil {
			return nil, false, translateErr(err)
		}
		next := current.Clone()
		if !mutate(next) {
			return &current, false, nil
		}
		next.ID = current.ID
		next.DeviceID = current.DeviceID
		next.MessageID = current.MessageID
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		res := db.Model(&model.Command{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Select("*").
			Updates(next)
		if res.Error != nil {
			return nil, false, translateErr(res.Error)
		}
		if res.RowsAffected == 1 {
			return next, true, nil
		}
	}
	return nil, false, storage.ErrConflict
}

// ClaimPending flips each selected row with a status guard so two pollers
// can never claim the same command.
func (s *Store) ClaimPending(ctx context.Context, deviceID uint64, limit int, at time.Time) ([]*model.Command, error) {
	var claimed []*model.Command
	err := s.WithTx(ctx, func(tx *Store) error {
		q := dispatchOrder(tx.DB.Model(&model.Command{})).
			Where("device_id = ? AND status = ?", deviceID, model.StatusPending)
		if limit > 0 {
			q = q.Limit(limit)
		}
		var pending []*model.Command
		if err := q.Find(&pending).Error; err != nil {
			return err
		}
		sentAt := at.UTC()
		for _, cmd := range pending {
			res := tx.DB.Model(&model.Command{}).
				Where("id = ? AND status = ?", cmd.ID, model.StatusPending).
				Updates(map[string]any{
					"status":     model.StatusSent,
					"sent_at":    sentAt,
					"version":    gorm.Expr("version + 1"),
					"updated_at": sentAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			cmd.Status = model.StatusSent
			cmd.SentAt = &sentAt
			cmd.Version++
			cmd.UpdatedAt = sentAt
			claimed = append(claimed, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueFailed moves retry-eligible failed commands back to pending.
func (s *Store) RequeueFailed(ctx context.Context, maxRetries int, createdAfter time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Model(&model.Command{}).
		Where("status = ? AND retry_count < ? AND created_at > ?", model.StatusFailed, maxRetries, createdAfter.UTC()).
		Updates(map[string]any{
			"status":        model.StatusPending,
			"error_message": nil,
			"sent_at":       nil,
			"completed_at":  nil,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    s.now(),
		})
	return int(res.RowsAffected), res.Error
}

// RequeueStale moves unacknowledged sent commands back to pending.
func (s *Store) RequeueStale(ctx context.Context, sentBefore, createdAfter time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Model(&model.Command{}).
		Where("status = ? AND sent_at IS NOT NULL AND sent_at < ? AND created_at > ?",
			model.StatusSent, sentBefore.UTC(), createdAfter.UTC()).
		Updates(map[string]any{
			"status":     model.StatusPending,
			"sent_at":    nil,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now(),
		})
	return int(res.RowsAffected), res.Error
}

// PurgeTerminal deletes old completed and failed commands.
func (s *Store) PurgeTerminal(ctx context.Context, createdBefore time.Time) (int, error) {
	res := s.DB.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]model.CommandStatus{model.StatusCompleted, model.StatusFailed}, createdBefore.UTC()).
		Delete(&model.Command{})
	return int(res.RowsAffected), res.Error
}

// DevicesWithPending lists device ids that still have pending commands.
func (s *Store) DevicesWithPending(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := s.DB.WithContext(ctx).Model(&model.Command{}).
		Where("status = ?", model.StatusPending).
		Distinct().
		Order("device_id asc").
		Pluck("device_id", &ids).Error
	return ids, err
}

func dispatchOrder(q *gorm.DB) *gorm.DB {
	return q.Order("priority desc").Order("created_at asc").Order("id asc")
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrConflict
	}
	return err
}
