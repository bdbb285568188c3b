package mediasched

import (
	"context"
	"sync/atomic"
	"time"
)

const defaultLagInterval = 100 * time.Millisecond

// LagSource reports scheduling delay.
type LagSource interface {
	Lag() time.Duration
}

// LagMonitor measures how late a ticker goroutine gets to run, a proxy
// for runtime saturation.
type LagMonitor struct {
	interval time.Duration
	lag      atomic.Int64
	now      func() time.Time
}

// NewLagMonitor returns a monitor sampling every interval.
func NewLagMonitor(interval time.Duration) *LagMonitor {
	if interval <= 0 {
		interval = defaultLagInterval
	}
	return &LagMonitor{interval: interval, now: time.Now}
}

// Lag returns the delay of the last tick.
func (m *LagMonitor) Lag() time.Duration { return time.Duration(m.lag.Load()) }

// Run measures until ctx is done.
func (m *LagMonitor) Run(ctx context.Context) {
	t := time.NewTimer(m.interval)
	defer t.Stop()
	expected := m.now().Add(m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Measured when this goroutine runs, not when the timer fired.
			now := m.now()
			m.lag.Store(int64(max(now.Sub(expected), 0)))
			expected = now.Add(m.interval)
			t.Reset(m.interval)
		}
	}
}

// StaticLag is a LagSource with a settable value.
type StaticLag struct {
	v atomic.Int64
}

func (s *StaticLag) Set(d time.Duration) { s.v.Store(int64(d)) }
func (s *StaticLag) Lag() time.Duration  { return time.Duration(s.v.Load()) }
