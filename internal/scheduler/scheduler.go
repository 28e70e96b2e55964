package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yulaomao/coffeeManage/internal/store"
)

// Config holds scheduler configuration.
type Config struct {
	Interval       time.Duration // recycler cadence (default 1m)
	MaxAge         time.Duration // in-flight staleness window (default 60s)
	RepairInterval time.Duration // in-flight repair sweep; 0 disables
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		MaxAge:   store.DefaultRecycleMaxAge,
	}
}

// Recycler is the part of the store the scheduler drives.
type Recycler interface {
	RecycleInflight(ctx context.Context, maxAge time.Duration) (store.RecycleResult, error)
	RepairInflight(ctx context.Context) (int, error)
}

// Observer receives the outcome of each recycler pass.
type Observer interface {
	ObserveRecycle(res store.RecycleResult, elapsed time.Duration)
}

// Scheduler runs the in-flight recycler periodically.
type Scheduler struct {
	store      Recycler
	observer   Observer
	config     Config
	running    atomic.Bool
	lastRepair time.Time
}

// New creates a new Scheduler. observer may be nil.
func New(s Recycler, observer Observer, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.MaxAge == 0 {
		config.MaxAge = def.MaxAge
	}
	return &Scheduler{store: s, observer: observer, config: config}
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.config.Interval, "max_age", s.config.MaxAge)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

// tick runs one pass. A pass that is still running when the next tick
// fires causes that tick to be skipped.
func (s *Scheduler) tick(ctx context.Context, force bool) bool {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("recycler still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()
	res, err := s.store.RecycleInflight(ctx, s.config.MaxAge)
	if err != nil {
		slog.Error("recycle in-flight commands", "error", err)
	} else if res.Requeued > 0 || res.Failed > 0 {
		slog.Info("recycled in-flight commands", "requeued", res.Requeued, "failed", res.Failed, "removed", res.Removed)
	}
	if s.observer != nil {
		s.observer.ObserveRecycle(res, time.Since(start))
	}

	if s.config.RepairInterval > 0 && (force || start.Sub(s.lastRepair) >= s.config.RepairInterval) {
		n, err := s.store.RepairInflight(ctx)
		if err != nil {
			slog.Error("repair in-flight set", "error", err)
		} else if n > 0 {
			slog.Warn("restored missing in-flight entries", "count", n)
		}
		s.lastRepair = start
	}
	return true
}

// RunOnce executes a single scheduler tick. Useful for testing. It returns
// false if another pass was already running.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	return s.tick(ctx, true)
}
