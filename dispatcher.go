package mediasched

import (
	"context"
	"errors"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"
)

// ErrSchedulerClosed is returned by enqueue after Close.
var ErrSchedulerClosed = errors.New("mediasched: scheduler closed")

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	InteractiveCapacity int
	BatchCapacity       int
	ReservedInteractive int
	StaleTaskTTL        time.Duration
	Metrics             MetricsPolicy
	Logger              *zap.Logger
}

// DispatcherStats is a snapshot of queue and active counts per class.
type DispatcherStats struct {
	QueuedInteractive int
	QueuedBatch       int
	ActiveInteractive int
	ActiveBatch       int
	// Retrying counts keys held between a failed run and its requeue.
	Retrying int
}

// Queued returns the total number of queued tasks.
func (s DispatcherStats) Queued() int { return s.QueuedInteractive + s.QueuedBatch }

// Active returns the total number of dispatched tasks.
func (s DispatcherStats) Active() int { return s.ActiveInteractive + s.ActiveBatch }

type activeEntry struct {
	seq     uint64
	class   Class
	started time.Time
}

// Dispatcher holds the two class queues and hands runnable tasks to the
// pool. Dispatch is edge-triggered: it runs after every enqueue and every
// completion, never on a timer.
//
// All queue and active state is guarded by mu.
type Dispatcher[P any] struct {
	mu     sync.Mutex
	opts   DispatcherOptions
	pool   *WorkerPool[P]
	log    *zap.Logger
	now    func() time.Time
	ctx    context.Context
	closed bool

	queues   [2]*classQueue[P]
	queued   map[string]struct{}
	active   map[string]activeEntry
	// retrying holds keys of failed runs until the result handler
	// requeues them or gives up.
	retrying map[string]struct{}
	activeBy [2]int
	seq      uint64

	// Collaborators, set before the first enqueue.
	validate func(key string) error
	failed   func(ctx context.Context, key string) bool
	// handle reports whether a retry of t was scheduled.
	handle func(ctx context.Context, t Task[P], out Outcome, err error) bool
	hints    func() Hints

	inflight sync.WaitGroup
}

// NewDispatcher returns a dispatcher feeding pool.
func NewDispatcher[P any](pool *WorkerPool[P], opts DispatcherOptions) *Dispatcher[P] {
	if opts.InteractiveCapacity <= 0 {
		opts.InteractiveCapacity = DefaultInteractiveCapacity
	}
	if opts.BatchCapacity <= 0 {
		opts.BatchCapacity = DefaultBatchCapacity
	}
	if opts.StaleTaskTTL <= 0 {
		opts.StaleTaskTTL = DefaultStaleTaskTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher[P]{
		opts:   opts,
		pool:   pool,
		log:    opts.Logger,
		now:    time.Now,
		ctx:    lg.Attach(context.Background(), NewTaskLogger(opts.Logger)),
		queued:   make(map[string]struct{}),
		active:   make(map[string]activeEntry),
		retrying: make(map[string]struct{}),
	}
	d.queues[Interactive] = newClassQueue[P](opts.InteractiveCapacity)
	d.queues[Batch] = newClassQueue[P](opts.BatchCapacity)
	return d
}

// SetContext sets the context passed to transforms. Worker logs go to
// the logger attached with lg.Attach.
func (d *Dispatcher[P]) SetContext(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

// TryEnqueue queues t and triggers dispatch. Rejections have no side
// effects; they are, in order of checking: ErrUnsafeKey,
// ErrPermanentlyFailed, ErrDuplicate, ErrQueueFull. A key waiting out a
// retry delay counts as a duplicate.
func (d *Dispatcher[P]) TryEnqueue(t Task[P]) error {
	if t.Class > Batch {
		t.Class = Batch
	}
	if d.validate != nil {
		if err := d.validate(t.Key); err != nil {
			d.opts.Metrics.IncRejected(t.Class, "unsafe_key")
			return err
		}
	}
	if d.failed != nil && d.failed(context.Background(), t.Key) {
		d.opts.Metrics.IncRejected(t.Class, "permanently_failed")
		return ErrPermanentlyFailed
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.retrying[t.Key]; ok && !d.closed {
		d.opts.Metrics.IncRejected(t.Class, "duplicate")
		return ErrDuplicate
	}
	return d.enqueueLocked(t)
}

// Requeue re-admits a task held for retry. Only the result handler calls
// it, once the retry delay elapsed.
func (d *Dispatcher[P]) Requeue(t Task[P]) error {
	if t.Class > Batch {
		t.Class = Batch
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retrying, t.Key)
	return d.enqueueLocked(t)
}

func (d *Dispatcher[P]) enqueueLocked(t Task[P]) error {
	if d.closed {
		return ErrSchedulerClosed
	}
	if _, ok := d.queued[t.Key]; ok {
		d.opts.Metrics.IncRejected(t.Class, "duplicate")
		return ErrDuplicate
	}
	if _, ok := d.active[t.Key]; ok {
		d.opts.Metrics.IncRejected(t.Class, "duplicate")
		return ErrDuplicate
	}
	if err := d.queues[t.Class].Push(t); err != nil {
		d.opts.Metrics.IncRejected(t.Class, "queue_full")
		return err
	}
	d.queued[t.Key] = struct{}{}
	d.opts.Metrics.IncEnqueued(t.Class)
	d.dispatchLocked()
	d.reportLocked()
	return nil
}

// Enqueue is TryEnqueue reporting only acceptance.
func (d *Dispatcher[P]) Enqueue(t Task[P]) bool {
	return d.TryEnqueue(t) == nil
}

// Kick re-runs dispatch, e.g. after the pool target changed.
func (d *Dispatcher[P]) Kick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatchLocked()
	d.reportLocked()
}

// dispatchLocked hands queued tasks to the pool while slots are free.
//
// Interactive work always goes first, so interactive tasks are never left
// queued while a slot is free. While interactive work is running, batch
// work is capped at max(1, capacity-reserved).
func (d *Dispatcher[P]) dispatchLocked() {
	if d.closed {
		return
	}
	capacity := d.pool.Target()
	for d.activeBy[Interactive]+d.activeBy[Batch] < capacity {
		if d.queues[Interactive].Len() > 0 {
			d.startLocked(Interactive)
			continue
		}
		if d.queues[Batch].Len() == 0 {
			return
		}
		limit := capacity
		if r := d.opts.ReservedInteractive; r > 0 && d.activeBy[Interactive] > 0 {
			limit = max(1, capacity-r)
		}
		if d.activeBy[Batch] >= limit {
			return
		}
		d.startLocked(Batch)
	}
}

func (d *Dispatcher[P]) startLocked(c Class) {
	t, _ := d.queues[c].Pop()
	delete(d.queued, t.Key)
	d.seq++
	seq := d.seq
	d.active[t.Key] = activeEntry{seq: seq, class: c, started: d.now()}
	d.activeBy[c]++
	d.opts.Metrics.IncDispatched(c)
	if d.pool.Desired() == 0 {
		d.pool.Ensure()
	}

	var hints Hints
	if d.hints != nil {
		hints = d.hints()
	}
	ctx := d.ctx
	d.inflight.Add(1)
	go d.run(ctx, t, seq, hints)
}

func (d *Dispatcher[P]) run(ctx context.Context, t Task[P], seq uint64, hints Hints) {
	defer d.inflight.Done()
	out, err := d.pool.Run(ctx, Request[P]{Task: t, Hints: hints})
	// A failed key stays held while the handler decides, so neither a
	// retry requeued by handle nor an outside enqueue races the run.
	failed := err != nil || (!out.Success && !out.Skipped)
	held := d.complete(t.Key, seq, failed && d.handle != nil)
	if d.handle == nil {
		return
	}
	if retried := d.handle(ctx, t, out, err); held && !retried {
		d.release(t.Key)
	}
}

// complete frees the slot of key unless the entry was swept and
// possibly re-dispatched since. With hold set, the key moves to the
// retrying set; complete reports whether it did.
func (d *Dispatcher[P]) complete(key string, seq uint64, hold bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.active[key]
	if !ok || e.seq != seq {
		d.log.Debug("late completion ignored", zap.String("task", key))
		return false
	}
	delete(d.active, key)
	if hold {
		d.retrying[key] = struct{}{}
	}
	d.activeBy[e.class]--
	d.dispatchLocked()
	d.reportLocked()
	return hold
}

// release drops the retry hold of key.
func (d *Dispatcher[P]) release(key string) {
	d.mu.Lock()
	delete(d.retrying, key)
	d.mu.Unlock()
}

// SweepStale clears active entries started before now minus the stale
// TTL and returns how many were cleared.
func (d *Dispatcher[P]) SweepStale(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := now.Add(-d.opts.StaleTaskTTL)
	n := 0
	for key, e := range d.active {
		if e.started.Before(cutoff) {
			d.log.Warn("stale task cleared", zap.String("task", key), zap.Time("started", e.started))
			delete(d.active, key)
			d.activeBy[e.class]--
			n++
		}
	}
	if n > 0 {
		d.dispatchLocked()
		d.reportLocked()
	}
	return n
}

// RunStaleSweep sweeps every interval until ctx is done.
func (d *Dispatcher[P]) RunStaleSweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.SweepStale(now)
		}
	}
}

// Stats returns the queue and active counts.
func (d *Dispatcher[P]) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Dispatcher[P]) statsLocked() DispatcherStats {
	return DispatcherStats{
		QueuedInteractive: d.queues[Interactive].Len(),
		QueuedBatch:       d.queues[Batch].Len(),
		ActiveInteractive: d.activeBy[Interactive],
		ActiveBatch:       d.activeBy[Batch],
		Retrying:          len(d.retrying),
	}
}

// QueuedKeys returns the queued keys of class c in dispatch order.
func (d *Dispatcher[P]) QueuedKeys(c Class) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[c&1].Keys()
}

// Backlog implements BacklogCounter with queued plus active tasks.
func (d *Dispatcher[P]) Backlog(context.Context) (int, error) {
	s := d.Stats()
	return s.Queued() + s.Active(), nil
}

// Idle reports whether nothing is queued, running or held for retry.
func (d *Dispatcher[P]) Idle() bool {
	s := d.Stats()
	return s.Queued() == 0 && s.Active() == 0 && s.Retrying == 0
}

func (d *Dispatcher[P]) reportLocked() {
	s := d.statsLocked()
	m := d.opts.Metrics
	m.SetQueued(Interactive, s.QueuedInteractive)
	m.SetQueued(Batch, s.QueuedBatch)
	m.SetActive(Interactive, s.ActiveInteractive)
	m.SetActive(Batch, s.ActiveBatch)
}

// Close stops dispatching and waits for in-flight runs or ctx.
func (d *Dispatcher[P]) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
