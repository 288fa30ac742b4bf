package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const unknownError = "unknown error"

// CommandOptions holds queue defaults.
type CommandOptions struct {
	DefaultPriority int
	// PendingLimit is the default batch for device polls.
	PendingLimit int
	// ListLimit is the default page for operator listings.
	ListLimit int
	MaxLimit  int
}

// CommandService manages the command lifecycle on top of the command store.
type CommandService struct {
	store   storage.CommandStore
	opts    CommandOptions
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewCommandService builds CommandService.
func NewCommandService(store storage.CommandStore, opts CommandOptions, m *metrics.Metrics, logger *zap.Logger) *CommandService {
	if opts.DefaultPriority < model.MinPriority || opts.DefaultPriority > model.MaxPriority {
		opts.DefaultPriority = model.DefaultPriority
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 10
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 50
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = opts.ListLimit
	}
	if opts.MaxLimit < opts.PendingLimit {
		opts.MaxLimit = opts.PendingLimit
	}
	if opts.ListLimit > opts.MaxLimit {
		opts.ListLimit = opts.MaxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandService{
		store:   store,
		opts:    opts,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and stores a pending command. priority 0 selects the default.
func (s *CommandService) Enqueue(ctx context.Context, deviceID uint64, kind model.CommandKind, payload json.RawMessage, priority int) (*model.Command, error) {
	if priority == 0 {
		priority = s.opts.DefaultPriority
	}
	if priority < model.MinPriority || priority > model.MaxPriority {
		return nil, fmt.Errorf("%w: priority must be within %d..%d", ErrValidation, model.MinPriority, model.MaxPriority)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown command %q", ErrValidation, kind)
	}
	decoded, err := model.DecodePayload(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	normalized, err := model.EncodePayload(decoded)
	if err != nil {
		return nil, err
	}

	cmd := &model.Command{
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   normalized,
		Status:    model.StatusPending,
		Priority:  priority,
		MessageID: uuid.NewString(),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("create command: %w", err)
	}
	s.metrics.CommandEnqueued(string(kind))
	s.logger.Info("command enqueued",
		zap.Uint64("device_id", deviceID),
		zap.String("message_id", cmd.MessageID),
		zap.String("command", string(kind)),
		zap.Int("priority", priority),
	)
	return cmd, nil
}

// ListPending returns pending commands in dispatch order without changing them.
func (s *CommandService) ListPending(ctx context.Context, deviceID uint64, limit int) ([]*model.Command, error) {
	return s.store.ListCommands(ctx, model.CommandFilter{
		DeviceID: deviceID,
		Status:   model.StatusPending,
		Limit:    s.limit(limit),
	})
}

// ClaimPending returns pending commands in dispatch order and marks them sent.
func (s *CommandService) ClaimPending(ctx context.Context, deviceID uint64, limit int) ([]*model.Command, error) {
	return s.store.ClaimPending(ctx, deviceID, s.limit(limit), s.now())
}

// Get returns one command by message id.
func (s *CommandService) Get(ctx context.Context, messageID string) (*model.Command, error) {
	cmd, err := s.store.GetCommandByMessageID(ctx, messageID)
	if err != nil {
		return nil, translateStoreErr(err, ErrCommandNotFound)
	}
	return cmd, nil
}

// List returns commands of a device; an empty status or "all" matches every status.
func (s *CommandService) List(ctx context.Context, deviceID uint64, status string, limit int) ([]*model.Command, error) {
	if limit <= 0 {
		limit = s.opts.ListLimit
	}
	filter := model.CommandFilter{DeviceID: deviceID, Limit: s.limit(limit)}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && status != "all" {
		st := model.CommandStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
		filter.Status = st
	}
	return s.store.ListCommands(ctx, filter)
}

// Complete records a successful ack. It reports false when the message id is
// unknown; acking a terminal command is a no-op that still reports true.
func (s *CommandService) Complete(ctx context.Context, messageID string, response json.RawMessage) (bool, error) {
	response = normalizeRaw(response)
	now := s.now()
	_, changed, err := s.store.UpdateCommand(ctx, messageID, func(c *model.Command) bool {
		if c.Status.Terminal() {
			return false
		}
		c.Status = model.StatusCompleted
		c.Response = response
		c.ErrorMessage = nil
		c.CompletedAt = &now
		return true
	})
	return s.ackResult(messageID, "completed", changed, err)
}

// Fail records a failed ack and bumps the retry counter. Same lookup and
// idempotence rules as Complete.
func (s *CommandService) Fail(ctx context.Context, messageID, errText string) (bool, error) {
	errText = strings.TrimSpace(errText)
	if errText == "" {
		errText = unknownError
	}
	now := s.now()
	_, changed, err := s.store.UpdateCommand(ctx, messageID, func(c *model.Command) bool {
		if c.Status.Terminal() {
			return false
		}
		c.Status = model.StatusFailed
		c.ErrorMessage = &errText
		c.RetryCount++
		c.CompletedAt = &now
		return true
	})
	return s.ackResult(messageID, "failed", changed, err)
}

// MarkSent moves a pending command to sent after a confirmed transmission.
func (s *CommandService) MarkSent(ctx context.Context, messageID string) (bool, error) {
	now := s.now()
	_, changed, err := s.store.UpdateCommand(ctx, messageID, func(c *model.Command) bool {
		if c.Status != model.StatusPending {
			return false
		}
		c.Status = model.StatusSent
		c.SentAt = &now
		return true
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("mark sent %s: %w", messageID, err)
	}
	return changed, nil
}

// RetryEligible requeues failed commands under maxRetries created within window.
func (s *CommandService) RetryEligible(ctx context.Context, maxRetries int, window time.Duration) (int, error) {
	n, err := s.store.RequeueFailed(ctx, maxRetries, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("requeue failed commands: %w", err)
	}
	s.metrics.Swept("retry", n)
	return n, nil
}

// RequeueStale returns commands sent longer than ackTimeout ago without an ack to pending.
func (s *CommandService) RequeueStale(ctx context.Context, ackTimeout, window time.Duration) (int, error) {
	now := s.now()
	n, err := s.store.RequeueStale(ctx, now.Add(-ackTimeout), now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("requeue stale commands: %w", err)
	}
	s.metrics.Swept("requeue_stale", n)
	return n, nil
}

// PurgeOld deletes completed and failed commands older than maxAge.
func (s *CommandService) PurgeOld(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.store.PurgeTerminal(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge commands: %w", err)
	}
	s.metrics.Swept("purge", n)
	return n, nil
}

// DevicesWithPending lists devices that still have queued work.
func (s *CommandService) DevicesWithPending(ctx context.Context) ([]uint64, error) {
	return s.store.DevicesWithPending(ctx)
}

func (s *CommandService) ackResult(messageID, outcome string, changed bool, err error) (bool, error) {
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.Ack("unknown")
			return false, nil
		}
		return false, fmt.Errorf("ack %s: %w", messageID, err)
	}
	if changed {
		s.metrics.Ack(outcome)
	} else {
		s.metrics.Ack("duplicate")
	}
	return true, nil
}

func (s *CommandService) limit(limit int) int {
	if limit <= 0 {
		return s.opts.PendingLimit
	}
	if limit > s.opts.MaxLimit {
		return s.opts.MaxLimit
	}
	return limit
}

func normalizeRaw(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
