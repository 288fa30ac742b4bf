package service

import (
	"context"
	"sync"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"go.uber.org/zap"
)

// SweeperOptions configures the maintenance passes.
type SweeperOptions struct {
	Interval         time.Duration
	PurgeInterval    time.Duration
	MaxRetries       int
	RetryWindow      time.Duration
	AckTimeout       time.Duration
	Retention        time.Duration
	HeartbeatTimeout time.Duration
}

// LivenessChecker reports devices holding an open session.
type LivenessChecker interface {
	Connected(deviceID uint64) bool
}

// Sweeper runs the periodic queue and connectivity maintenance.
type Sweeper struct {
	registry   *DeviceRegistry
	commands   *CommandService
	dispatcher *Dispatcher
	live       LivenessChecker
	opts       SweeperOptions
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastPurge time.Time
}

// NewSweeper builds Sweeper. live may be nil when no session listener runs.
func NewSweeper(registry *DeviceRegistry, commands *CommandService, dispatcher *Dispatcher, live LivenessChecker, opts SweeperOptions, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 24 * time.Hour
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		registry:   registry,
		commands:   commands,
		dispatcher: dispatcher,
		live:       live,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", zap.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			report := s.RunOnce(ctx)
			if report != (model.SweepReport{}) {
				s.logger.Info("sweep finished",
					zap.Int("retried", report.Retried),
					zap.Int("requeued", report.Requeued),
					zap.Int("purged", report.Purged),
					zap.Int("marked_offline", report.MarkedOffline),
					zap.Int("drained", report.Drained),
				)
			}
		}
	}
}

// RunOnce performs one full pass. Step failures are logged and do not stop
// later steps.
func (s *Sweeper) RunOnce(ctx context.Context) model.SweepReport {
	var report model.SweepReport
	var err error

	if report.Retried, err = s.Retry(ctx); err != nil {
		s.logger.Error("retry sweep failed", zap.Error(err))
	}
	if report.Requeued, err = s.RequeueStale(ctx); err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err))
	}
	if s.purgeDue() {
		if report.Purged, err = s.Purge(ctx); err != nil {
			s.logger.Error("purge sweep failed", zap.Error(err))
		}
	}
	if report.MarkedOffline, err = s.MarkStale(ctx); err != nil {
		s.logger.Error("heartbeat sweep failed", zap.Error(err))
	}
	if report.Drained, err = s.Drain(ctx); err != nil {
		s.logger.Error("drain sweep failed", zap.Error(err))
	}
	return report
}

// Retry requeues failed commands that still have retries left.
func (s *Sweeper) Retry(ctx context.Context) (int, error) {
	return s.commands.RetryEligible(ctx, s.opts.MaxRetries, s.opts.RetryWindow)
}

// RequeueStale requeues sent commands whose ack never arrived.
func (s *Sweeper) RequeueStale(ctx context.Context) (int, error) {
	return s.commands.RequeueStale(ctx, s.opts.AckTimeout, s.opts.RetryWindow)
}

// Purge deletes terminal commands past retention.
func (s *Sweeper) Purge(ctx context.Context) (int, error) {
	n, err := s.commands.PurgeOld(ctx, s.opts.Retention)
	if err == nil {
		s.mu.Lock()
		s.lastPurge = s.now()
		s.mu.Unlock()
	}
	return n, err
}

// MarkStale marks devices with an expired heartbeat offline.
func (s *Sweeper) MarkStale(ctx context.Context) (int, error) {
	var keep func(uint64) bool
	if s.live != nil {
		keep = s.live.Connected
	}
	n, err := s.registry.MarkStaleOffline(ctx, s.now().Add(-s.opts.HeartbeatTimeout), keep)
	s.metrics.Swept("mark_offline", n)
	return n, err
}

// Drain attempts delivery for every device with pending work.
func (s *Sweeper) Drain(ctx context.Context) (int, error) {
	ids, err := s.commands.DevicesWithPending(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.dispatcher.DrainDevice(ctx, id)
		if err != nil {
			s.logger.Warn("drain failed", zap.Uint64("device_id", id), zap.Error(err))
			continue
		}
		total += n
	}
	s.metrics.Swept("drain", total)
	return total, nil
}

func (s *Sweeper) purgeDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPurge.IsZero() || s.now().Sub(s.lastPurge) >= s.opts.PurgeInterval
}
