package mediasched

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type cachePad = cpu.CacheLinePad

// MetricsPolicy defines hooks used by the scheduler to report queueing,
// execution and failure activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	IncEnqueued(c Class)
	IncRejected(c Class, reason string)
	IncDispatched(c Class)
	IncGenerated(c Class)
	IncFailed(c Class)
	IncRetried(c Class)
	IncPermanentFailure(c Class)

	SetQueued(c Class, n int)
	SetActive(c Class, n int)
	SetPoolSize(n int)
	SetMode(m Mode)
}

// Metrics is a point-in-time view returned by Scheduler.GetMetrics.
type Metrics struct {
	// Queued is the number of tasks waiting in both class queues.
	Queued int
	// Processing is the number of dispatched tasks.
	Processing int
	// Pending is the backlog: items not yet successfully processed.
	Pending int

	Generated         uint64
	Failures          uint64
	PermanentFailures uint64
	Retries           uint64
}

// AtomicMetrics is a lock-free MetricsPolicy backed by atomics.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	generated atomic.Uint64
	failures  atomic.Uint64
	_         cachePad

	retries   atomic.Uint64
	permanent atomic.Uint64
	_         cachePad

	queued [2]atomic.Int64
	active [2]atomic.Int64
	_      cachePad

	poolSize atomic.Int64
	mode     atomic.Int32
}

func (m *AtomicMetrics) IncEnqueued(Class)         {}
func (m *AtomicMetrics) IncRejected(Class, string) {}
func (m *AtomicMetrics) IncDispatched(Class)       {}

func (m *AtomicMetrics) IncGenerated(Class)        { m.generated.Add(1) }
func (m *AtomicMetrics) IncFailed(Class)           { m.failures.Add(1) }
func (m *AtomicMetrics) IncRetried(Class)          { m.retries.Add(1) }
func (m *AtomicMetrics) IncPermanentFailure(Class) { m.permanent.Add(1) }

func (m *AtomicMetrics) SetQueued(c Class, n int) { m.queued[c&1].Store(int64(n)) }
func (m *AtomicMetrics) SetActive(c Class, n int) { m.active[c&1].Store(int64(n)) }
func (m *AtomicMetrics) SetPoolSize(n int)        { m.poolSize.Store(int64(n)) }
func (m *AtomicMetrics) SetMode(md Mode)          { m.mode.Store(int32(md)) }

// Snapshot returns the current counters. Pending is left for the caller
// to fill from its backlog source.
func (m *AtomicMetrics) Snapshot() Metrics {
	return Metrics{
		Queued:            int(m.queued[0].Load() + m.queued[1].Load()),
		Processing:        int(m.active[0].Load() + m.active[1].Load()),
		Generated:         m.generated.Load(),
		Failures:          m.failures.Load(),
		PermanentFailures: m.permanent.Load(),
		Retries:           m.retries.Load(),
	}
}

// PoolSize returns the last reported pool size.
func (m *AtomicMetrics) PoolSize() int { return int(m.poolSize.Load()) }

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
type NoopMetrics struct{}

func (NoopMetrics) IncEnqueued(Class)         {}
func (NoopMetrics) IncRejected(Class, string) {}
func (NoopMetrics) IncDispatched(Class)       {}
func (NoopMetrics) IncGenerated(Class)        {}
func (NoopMetrics) IncFailed(Class)           {}
func (NoopMetrics) IncRetried(Class)          {}
func (NoopMetrics) IncPermanentFailure(Class) {}
func (NoopMetrics) SetQueued(Class, int)      {}
func (NoopMetrics) SetActive(Class, int)      {}
func (NoopMetrics) SetPoolSize(int)           {}
func (NoopMetrics) SetMode(Mode)              {}

//------------- teeMetrics -----------------------------------

// teeMetrics forwards every hook to both policies.
type teeMetrics struct {
	a, b MetricsPolicy
}

func (t teeMetrics) IncEnqueued(c Class) { t.a.IncEnqueued(c); t.b.IncEnqueued(c) }
func (t teeMetrics) IncRejected(c Class, r string) {
	t.a.IncRejected(c, r)
	t.b.IncRejected(c, r)
}
func (t teeMetrics) IncDispatched(c Class) { t.a.IncDispatched(c); t.b.IncDispatched(c) }
func (t teeMetrics) IncGenerated(c Class)  { t.a.IncGenerated(c); t.b.IncGenerated(c) }
func (t teeMetrics) IncFailed(c Class)     { t.a.IncFailed(c); t.b.IncFailed(c) }
func (t teeMetrics) IncRetried(c Class)    { t.a.IncRetried(c); t.b.IncRetried(c) }
func (t teeMetrics) IncPermanentFailure(c Class) {
	t.a.IncPermanentFailure(c)
	t.b.IncPermanentFailure(c)
}
func (t teeMetrics) SetQueued(c Class, n int) { t.a.SetQueued(c, n); t.b.SetQueued(c, n) }
func (t teeMetrics) SetActive(c Class, n int) { t.a.SetActive(c, n); t.b.SetActive(c, n) }
func (t teeMetrics) SetPoolSize(n int)        { t.a.SetPoolSize(n); t.b.SetPoolSize(n) }
func (t teeMetrics) SetMode(m Mode)           { t.a.SetMode(m); t.b.SetMode(m) }
