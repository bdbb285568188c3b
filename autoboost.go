package mediasched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BacklogCounter reports the number of items not yet successfully
// processed. It may exceed the in-memory queue capacity.
type BacklogCounter interface {
	Backlog(ctx context.Context) (int, error)
}

// BacklogFunc adapts a function to BacklogCounter.
type BacklogFunc func(ctx context.Context) (int, error)

func (f BacklogFunc) Backlog(ctx context.Context) (int, error) { return f(ctx) }

// BoostOptions configure an AutoBoost loop.
type BoostOptions struct {
	Interval  time.Duration
	Cooldown  time.Duration
	HighWater int
	LowWater  int

	// Ceiling returns the hard size limit, min(cpuCount, max workers).
	Ceiling func() int
	// Current returns the pool size a boost doubles from.
	Current func() int
	// Heavy reports the admission gate decision.
	Heavy func(ctx context.Context) bool
	// Demand reports whether real work is queued or running.
	Demand func() bool
	// Apply receives the new boost level. Zero means no boost; with an
	// empty backlog it also means drain the pool.
	Apply func(level int, drain bool)

	Logger *zap.Logger
}

// AutoBoost sizes the pool from the backlog instead of instantaneous load.
type AutoBoost struct {
	mu      sync.Mutex
	opts    BoostOptions
	backlog BacklogCounter
	log     *zap.Logger
	now     func() time.Time

	level      int
	lastChange time.Time
}

// NewAutoBoost returns a boost loop reading backlog.
func NewAutoBoost(backlog BacklogCounter, opts BoostOptions) *AutoBoost {
	if opts.Interval <= 0 {
		opts.Interval = DefaultBoostInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBoostCooldown
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater <= 0 {
		opts.LowWater = DefaultLowWater
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &AutoBoost{opts: opts, backlog: backlog, log: opts.Logger, now: time.Now}
}

// Level returns the current boost level, zero when not boosted.
func (b *AutoBoost) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Tick samples the backlog once and adjusts the boost level.
func (b *AutoBoost) Tick(ctx context.Context) int {
	n, err := b.backlog.Backlog(ctx)
	if err != nil {
		b.log.Warn("backlog count failed", zap.Error(err))
		return b.Level()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if n == 0 {
		// Draining an empty system is never an oscillation risk.
		b.set(0, true, now, n)
		return b.level
	}
	if !b.lastChange.IsZero() && now.Sub(b.lastChange) < b.opts.Cooldown {
		return b.level
	}

	switch {
	case n > b.opts.HighWater:
		if b.opts.Demand != nil && !b.opts.Demand() {
			return b.level
		}
		if b.opts.Heavy != nil && b.opts.Heavy(ctx) {
			return b.level
		}
		base := b.level
		if b.opts.Current != nil {
			base = max(base, b.opts.Current())
		}
		next := max(base*2, 1)
		if b.opts.Ceiling != nil {
			next = min(next, max(b.opts.Ceiling(), 1))
		}
		if next > b.level {
			b.set(next, false, now, n)
		}
	case n < b.opts.LowWater && b.level > 0:
		b.set(b.level/2, false, now, n)
	}
	return b.level
}

func (b *AutoBoost) set(level int, drain bool, now time.Time, backlog int) {
	if level == b.level && !drain {
		return
	}
	if level != b.level {
		b.log.Info("auto boost",
			zap.Int("from", b.level), zap.Int("to", level), zap.Int("backlog", backlog))
		b.lastChange = now
	}
	b.level = level
	if b.opts.Apply != nil {
		b.opts.Apply(level, drain)
	}
}

// Run ticks every interval until ctx is done.
func (b *AutoBoost) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}
