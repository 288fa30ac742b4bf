package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices        = []byte("devices")
	bucketDeviceTokens   = []byte("device_tokens")
	bucketAdministrators = []byte("administrators")
	bucketAdminCodes     = []byte("administrator_codes")
	bucketCommands       = []byte("commands")
	bucketMessageIDs     = []byte("command_message_ids")

	allBuckets = [][]byte{
		bucketDevices,
		bucketDeviceTokens,
		bucketAdministrators,
		bucketAdminCodes,
		bucketCommands,
		bucketMessageIDs,
	}
)

// Store is a BoltDB-backed Store implementation. Bolt serialises write
// transactions, so every read-modify-write below is atomic.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDevice assigns an id and stores a new device.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(device.Token) == "" {
		return fmt.Errorf("device token is required")
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	if device.ConnectionType == "" {
		device.ConnectionType = model.ConnectionOffline
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketDeviceTokens)
		if tokens.Get([]byte(device.Token)) != nil {
			return storage.ErrConflict
		}
		bkt := tx.Bucket(bucketDevices)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		device.ID = id
		if err := putJSON(bkt, itob(id), device); err != nil {
			return err
		}
		return tokens.Put([]byte(device.Token), itob(id))
	})
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id uint64) (*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var device *model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		device, err = loadDevice(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByToken resolves a bearer token through the token index.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, storage.ErrNotFound
	}
	var device *model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketDeviceTokens).Get([]byte(token))
		if ref == nil {
			return storage.ErrNotFound
		}
		var err error
		device, err = loadDevice(tx, btoi(ref))
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// ListDevices returns all devices ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var device model.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

// UpdateDevice applies mutate inside a write transaction.
func (s *Store) UpdateDevice(ctx context.Context, id uint64, mutate func(*model.Device) bool) (*model.Device, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var out *model.Device
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := loadDevice(tx, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if !mutate(next) {
			out = current
			return nil
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()
		if next.Token != current.Token {
			if strings.TrimSpace(next.Token) == "" {
				return fmt.Errorf("device token is required")
			}
			tokens := tx.Bucket(bucketDeviceTokens)
			if tokens.Get([]byte(next.Token)) != nil {
				return storage.ErrConflict
			}
			if err := tokens.Delete([]byte(current.Token)); err != nil {
				return err
			}
			if err := tokens.Put([]byte(next.Token), itob(id)); err != nil {
				return err
			}
		}
		if err := putJSON(tx.Bucket(bucketDevices), itob(id), next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDevice removes the device, its token and all of its commands.
func (s *Store) DeleteDevice(ctx context.Context, id uint64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		device, err := loadDevice(tx, id)
		if err != nil {
			return err
		}
		commands, err := scanCommands(tx, func(c *model.Command) bool { return c.DeviceID == id })
		if err != nil {
			return err
		}
		for _, cmd := range commands {
			if err := deleteCommand(tx, cmd); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketDeviceTokens).Delete([]byte(device.Token)); err != nil {
			return err
		}
		return tx.Bucket(bucketDevices).Delete(itob(id))
	})
}

// UpsertAdministrator stores an administrator keyed by its enrollment code.
func (s *Store) UpsertAdministrator(ctx context.Context, admin *model.Administrator) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(admin.Code) == "" {
		return fmt.Errorf("administrator code is required")
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAdministrators)
		codes := tx.Bucket(bucketAdminCodes)
		if ref := codes.Get([]byte(admin.Code)); ref != nil {
			id := btoi(ref)
			if admin.ID != 0 && admin.ID != id {
				return storage.ErrConflict
			}
			admin.ID = id
			if raw := bkt.Get(ref); raw != nil {
				var prev model.Administrator
				if err := json.Unmarshal(raw, &prev); err != nil {
					return err
				}
				admin.CreatedAt = prev.CreatedAt
			}
		} else if admin.ID == 0 {
			id, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			admin.ID = id
		} else if raw := bkt.Get(itob(admin.ID)); raw != nil {
			var prev model.Administrator
			if err := json.Unmarshal(raw, &prev); err != nil {
				return err
			}
			if err := codes.Delete([]byte(prev.Code)); err != nil {
				return err
			}
			admin.CreatedAt = prev.CreatedAt
		}
		if admin.CreatedAt.IsZero() {
			admin.CreatedAt = now
		}
		admin.UpdatedAt = now
		if err := putJSON(bkt, itob(admin.ID), admin); err != nil {
			return err
		}
		return codes.Put([]byte(admin.Code), itob(admin.ID))
	})
}

// GetAdministratorByCode resolves an enrollment code.
func (s *Store) GetAdministratorByCode(ctx context.Context, code string) (*model.Administrator, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, storage.ErrNotFound
	}
	var admin *model.Administrator
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketAdminCodes).Get([]byte(code))
		if ref == nil {
			return storage.ErrNotFound
		}
		raw := tx.Bucket(bucketAdministrators).Get(ref)
		if raw == nil {
			return storage.ErrNotFound
		}
		admin = &model.Administrator{}
		return json.Unmarshal(raw, admin)
	})
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// CreateCommand assigns an id and stores a new command.
func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if cmd.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := loadDevice(tx, cmd.DeviceID); err != nil {
			return err
		}
		index := tx.Bucket(bucketMessageIDs)
		if index.Get([]byte(cmd.MessageID)) != nil {
			return storage.ErrConflict
		}
		bkt := tx.Bucket(bucketCommands)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		cmd.ID = id
		if err := putJSON(bkt, itob(id), cmd); err != nil {
			return err
		}
		return index.Put([]byte(cmd.MessageID), itob(id))
	})
}

// GetCommandByMessageID resolves the device-facing correlation key.
func (s *Store) GetCommandByMessageID(ctx context.Context, messageID string) (*model.Command, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var cmd *model.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cmd, err = loadCommand(tx, messageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListCommands returns matching commands in dispatch order.
func (s *Store) ListCommands(ctx context.Context, filter model.CommandFilter) ([]*model.Command, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var out []*model.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scanCommands(tx, matchFilter(filter))
		return err
	})
	if err != nil {
		return nil, err
	}
	return limitSorted(out, filter.Limit), nil
}

// UpdateCommand applies mutate inside a write transaction.
func (s *Store) UpdateCommand(ctx context.Context, messageID string, mutate func(*model.Command) bool) (*model.Command, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	var (
		out     *model.Command
		changed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := loadCommand(tx, messageID)
		if err != nil {
			return err
		}
		next := current.Clone()
		if !mutate(next) {
			out = current
			return nil
		}
		next.ID = current.ID
		next.DeviceID = current.DeviceID
		next.MessageID = current.MessageID
		next.CreatedAt = current.CreatedAt
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()
		if err := putJSON(tx.Bucket(bucketCommands), itob(next.ID), next); err != nil {
			return err
		}
		out, changed = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// ClaimPending marks the next pending commands of a device as sent.
func (s *Store) ClaimPending(ctx context.Context, deviceID uint64, limit int, at time.Time) ([]*model.Command, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var claimed []*model.Command
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending, err := scanCommands(tx, matchFilter(model.CommandFilter{DeviceID: deviceID, Status: model.StatusPending}))
		if err != nil {
			return err
		}
		pending = limitSorted(pending, limit)
		sentAt := at.UTC()
		for _, cmd := range pending {
			cmd.Status = model.StatusSent
			cmd.SentAt = &sentAt
			cmd.Version++
			cmd.UpdatedAt = sentAt
			if err := putJSON(tx.Bucket(bucketCommands), itob(cmd.ID), cmd); err != nil {
				return err
			}
		}
		claimed = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueFailed moves retry-eligible failed commands back to pending.
func (s *Store) RequeueFailed(ctx context.Context, maxRetries int, createdAfter time.Time) (int, error) {
	return s.rewrite(ctx, func(c *model.Command) bool {
		return c.Status == model.StatusFailed && c.RetryCount < maxRetries && c.CreatedAt.After(createdAfter)
	}, func(c *model.Command) {
		c.Status = model.StatusPending
		c.ErrorMessage = nil
		c.SentAt = nil
		c.CompletedAt = nil
	})
}

// RequeueStale moves unacknowledged sent commands back to pending.
func (s *Store) RequeueStale(ctx context.Context, sentBefore, createdAfter time.Time) (int, error) {
	return s.rewrite(ctx, func(c *model.Command) bool {
		return c.Status == model.StatusSent && c.SentAt != nil && c.SentAt.Before(sentBefore) && c.CreatedAt.After(createdAfter)
	}, func(c *model.Command) {
		c.Status = model.StatusPending
		c.SentAt = nil
	})
}

// PurgeTerminal deletes old completed and failed commands.
func (s *Store) PurgeTerminal(ctx context.Context, createdBefore time.Time) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		old, err := scanCommands(tx, func(c *model.Command) bool {
			return c.Status.Terminal() && c.CreatedAt.Before(createdBefore)
		})
		if err != nil {
			return err
		}
		for _, cmd := range old {
			if err := deleteCommand(tx, cmd); err != nil {
				return err
			}
		}
		count = len(old)
		return nil
	})
	return count, err
}

// DevicesWithPending lists device ids that still have pending commands.
func (s *Store) DevicesWithPending(ctx context.Context) ([]uint64, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	seen := make(map[uint64]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := scanCommands(tx, func(c *model.Command) bool {
			if c.Status == model.StatusPending {
				seen[c.DeviceID] = struct{}{}
			}
			return false
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) rewrite(ctx context.Context, match func(*model.Command) bool, apply func(*model.Command)) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		matches, err := scanCommands(tx, match)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, cmd := range matches {
			apply(cmd)
			cmd.Version++
			cmd.UpdatedAt = now
			if err := putJSON(tx.Bucket(bucketCommands), itob(cmd.ID), cmd); err != nil {
				return err
			}
		}
		count = len(matches)
		return nil
	})
	return count, err
}

func loadDevice(tx *bolt.Tx, id uint64) (*model.Device, error) {
	raw := tx.Bucket(bucketDevices).Get(itob(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var device model.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func loadCommand(tx *bolt.Tx, messageID string) (*model.Command, error) {
	if messageID == "" {
		return nil, storage.ErrNotFound
	}
	ref := tx.Bucket(bucketMessageIDs).Get([]byte(messageID))
	if ref == nil {
		return nil, storage.ErrNotFound
	}
	raw := tx.Bucket(bucketCommands).Get(ref)
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var cmd model.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// scanCommands collects matches first; bolt forbids writes during ForEach.
func scanCommands(tx *bolt.Tx, match func(*model.Command) bool) ([]*model.Command, error) {
	var out []*model.Command
	err := tx.Bucket(bucketCommands).ForEach(func(_, v []byte) error {
		var cmd model.Command
		if err := json.Unmarshal(v, &cmd); err != nil {
			return err
		}
		if match(&cmd) {
			out = append(out, &cmd)
		}
		return nil
	})
	return out, err
}

func deleteCommand(tx *bolt.Tx, cmd *model.Command) error {
	if err := tx.Bucket(bucketMessageIDs).Delete([]byte(cmd.MessageID)); err != nil {
		return err
	}
	return tx.Bucket(bucketCommands).Delete(itob(cmd.ID))
}

func matchFilter(filter model.CommandFilter) func(*model.Command) bool {
	return func(c *model.Command) bool {
		if filter.DeviceID != 0 && c.DeviceID != filter.DeviceID {
			return false
		}
		if filter.Status != "" && c.Status != filter.Status {
			return false
		}
		return true
	}
}

func limitSorted(cmds []*model.Command, limit int) []*model.Command {
	sort.SliceStable(cmds, func(i, j int) bool { return model.DispatchBefore(cmds[i], cmds[j]) })
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds
}

func putJSON(bkt *bolt.Bucket, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put(key, payload)
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func itob(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
