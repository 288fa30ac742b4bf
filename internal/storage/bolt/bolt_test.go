package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDevice(t *testing.T, s *Store, token string) *model.Device {
	t.Helper()
	d := &model.Device{Name: "door-" + token, Token: token, Active: true}
	require.NoError(t, s.CreateDevice(context.Background(), d))
	return d
}

func seedCommand(t *testing.T, s *Store, deviceID uint64, msgID string, priority int, created time.Time) *model.Command {
	t.Helper()
	cmd := &model.Command{
		DeviceID:  deviceID,
		Kind:      model.KindStatus,
		Payload:   json.RawMessage(`{}`),
		Status:    model.StatusPending,
		Priority:  priority,
		MessageID: msgID,
		CreatedAt: created,
	}
	require.NoError(t, s.CreateCommand(context.Background(), cmd))
	return cmd
}

func messageIDs(cmds []*model.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.MessageID)
	}
	return out
}

func TestDeviceTokenIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := seedDevice(t, s, "tok-a")
	require.NotZero(t, d.ID)
	require.Equal(t, model.ConnectionOffline, d.ConnectionType)

	got, err := s.GetDeviceByToken(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)

	dup := &model.Device{Name: "other", Token: "tok-a"}
	require.ErrorIs(t, s.CreateDevice(ctx, dup), storage.ErrConflict)

	_, err = s.GetDeviceByToken(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateDeviceRotatesToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "old")
	seedDevice(t, s, "taken")

	updated, err := s.UpdateDevice(ctx, d.ID, func(dev *model.Device) bool {
		dev.Token = "new"
		dev.Active = false
		return true
	})
	require.NoError(t, err)
	require.Equal(t, "new", updated.Token)
	require.Equal(t, d.Version+1, updated.Version)

	_, err = s.GetDeviceByToken(ctx, "old")
	require.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.GetDeviceByToken(ctx, "new")
	require.NoError(t, err)
	require.False(t, got.Active)

	_, err = s.UpdateDevice(ctx, d.ID, func(dev *model.Device) bool {
		dev.Token = "taken"
		return true
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	unchanged, err := s.UpdateDevice(ctx, d.ID, func(dev *model.Device) bool { return false })
	require.NoError(t, err)
	require.Equal(t, updated.Version, unchanged.Version)

	_, err = s.UpdateDevice(ctx, 999, func(*model.Device) bool { return true })
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteDeviceCascadesCommands(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	other := seedDevice(t, s, "b")
	now := time.Now().UTC()
	seedCommand(t, s, d.ID, "m1", 5, now)
	seedCommand(t, s, other.ID, "m2", 5, now)

	require.NoError(t, s.DeleteDevice(ctx, d.ID))

	_, err := s.GetDevice(ctx, d.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetCommandByMessageID(ctx, "m1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetCommandByMessageID(ctx, "m2")
	require.NoError(t, err)
	_, err = s.GetDeviceByToken(ctx, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, s.DeleteDevice(ctx, d.ID), storage.ErrNotFound)
}

func TestCreateCommandRequiresDeviceAndUniqueMessageID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	seedCommand(t, s, d.ID, "m1", 5, time.Now())

	dup := &model.Command{DeviceID: d.ID, Kind: model.KindStatus, Status: model.StatusPending, MessageID: "m1"}
	require.ErrorIs(t, s.CreateCommand(ctx, dup), storage.ErrConflict)

	orphan := &model.Command{DeviceID: 42, Kind: model.KindStatus, Status: model.StatusPending, MessageID: "m9"}
	require.ErrorIs(t, s.CreateCommand(ctx, orphan), storage.ErrNotFound)
}

func TestListCommandsDispatchOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	base := time.Now().UTC().Add(-time.Hour)
	seedCommand(t, s, d.ID, "low", 1, base)
	seedCommand(t, s, d.ID, "mid-late", 5, base.Add(2*time.Minute))
	seedCommand(t, s, d.ID, "high", 10, base.Add(3*time.Minute))
	seedCommand(t, s, d.ID, "mid-early", 5, base.Add(time.Minute))

	cmds, err := s.ListCommands(ctx, model.CommandFilter{DeviceID: d.ID, Status: model.StatusPending})
	require.NoError(t, err)
	require.Equal(t, []string{"high", "mid-early", "mid-late", "low"}, messageIDs(cmds))

	limited, err := s.ListCommands(ctx, model.CommandFilter{DeviceID: d.ID, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"high", "mid-early"}, messageIDs(limited))
}

func TestClaimPendingMarksSent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		seedCommand(t, s, d.ID, fmt.Sprintf("m%d", i), 5, base.Add(time.Duration(i)*time.Second))
	}
	at := time.Now().UTC()

	claimed, err := s.ClaimPending(ctx, d.ID, 2, at)
	require.NoError(t, err)
	require.Equal(t, []string{"m0", "m1"}, messageIDs(claimed))
	for _, c := range claimed {
		require.Equal(t, model.StatusSent, c.Status)
		require.NotNil(t, c.SentAt)
	}

	again, err := s.ClaimPending(ctx, d.ID, 10, at)
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, messageIDs(again))

	ids, err := s.DevicesWithPending(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestUpdateCommandSkipsWhenMutateDeclines(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	seedCommand(t, s, d.ID, "m1", 5, time.Now())

	got, changed, err := s.UpdateCommand(ctx, "m1", func(c *model.Command) bool {
		c.Status = model.StatusCompleted
		c.MessageID = "rewritten"
		return true
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "m1", got.MessageID)
	require.Equal(t, model.StatusCompleted, got.Status)

	_, changed, err = s.UpdateCommand(ctx, "m1", func(c *model.Command) bool { return false })
	require.NoError(t, err)
	require.False(t, changed)

	_, _, err = s.UpdateCommand(ctx, "nope", func(*model.Command) bool { return true })
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	now := time.Now().UTC()
	errText := "boom"

	set := func(msgID string, mutate func(*model.Command)) {
		_, _, err := s.UpdateCommand(ctx, msgID, func(c *model.Command) bool {
			mutate(c)
			return true
		})
		require.NoError(t, err)
	}

	seedCommand(t, s, d.ID, "retry", 5, now.Add(-time.Hour))
	firstSent := now.Add(-50 * time.Minute)
	set("retry", func(c *model.Command) {
		c.Status = model.StatusFailed
		c.RetryCount = 1
		c.ErrorMessage = &errText
		c.SentAt = &firstSent
		c.CompletedAt = &now
	})
	seedCommand(t, s, d.ID, "exhausted", 5, now.Add(-time.Hour))
	set("exhausted", func(c *model.Command) { c.Status = model.StatusFailed; c.RetryCount = 3 })
	seedCommand(t, s, d.ID, "too-old", 5, now.Add(-48*time.Hour))
	set("too-old", func(c *model.Command) { c.Status = model.StatusFailed })

	n, err := s.RequeueFailed(ctx, 3, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err := s.GetCommandByMessageID(ctx, "retry")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
	require.Nil(t, got.ErrorMessage)
	require.Nil(t, got.SentAt)
	require.Nil(t, got.CompletedAt)
	require.Equal(t, 1, got.RetryCount)

	sentAt := now.Add(-20 * time.Minute)
	seedCommand(t, s, d.ID, "stale", 5, now.Add(-30*time.Minute))
	set("stale", func(c *model.Command) { c.Status = model.StatusSent; c.SentAt = &sentAt })
	n, err = s.RequeueStale(ctx, now.Add(-10*time.Minute), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	seedCommand(t, s, d.ID, "old-done", 5, now.Add(-8*24*time.Hour))
	set("old-done", func(c *model.Command) { c.Status = model.StatusCompleted })
	seedCommand(t, s, d.ID, "old-pending", 5, now.Add(-8*24*time.Hour))
	n, err = s.PurgeTerminal(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.GetCommandByMessageID(ctx, "old-done")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetCommandByMessageID(ctx, "old-pending")
	require.NoError(t, err)

	ids, err := s.DevicesWithPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{d.ID}, ids)
}

func TestAdministratorUpsertByCode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	admin := &model.Administrator{Name: "Ana", Code: "ADM-1"}
	require.NoError(t, s.UpsertAdministrator(ctx, admin))
	require.NotZero(t, admin.ID)

	again := &model.Administrator{Name: "Ana Renamed", Code: "ADM-1"}
	require.NoError(t, s.UpsertAdministrator(ctx, again))
	require.Equal(t, admin.ID, again.ID)

	got, err := s.GetAdministratorByCode(ctx, "ADM-1")
	require.NoError(t, err)
	require.Equal(t, "Ana Renamed", got.Name)

	_, err = s.GetAdministratorByCode(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ListDevices(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentClaimsNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	base := time.Now().UTC().Add(-time.Hour)
	const total = 40
	for i := 0; i < total; i++ {
		seedCommand(t, s, d.ID, fmt.Sprintf("m%02d", i), 1+i%10, base.Add(time.Duration(i)*time.Second))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				claimed, err := s.ClaimPending(ctx, d.ID, 3, time.Now().UTC())
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.MessageID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
	pending, err := s.ListCommands(ctx, model.CommandFilter{DeviceID: d.ID, Status: model.StatusPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestConcurrentDeviceUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d := seedDevice(t, s, "a")
	start, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)

	const workers, rounds = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := s.UpdateDevice(ctx, d.ID, func(dev *model.Device) bool {
					dev.IsOnline = !dev.IsOnline
					return true
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, start.Version+workers*rounds, got.Version)
	require.False(t, got.IsOnline)
}
