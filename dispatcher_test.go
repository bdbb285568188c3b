package mediasched

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, fn TransformFunc[testJob], workers int, opts DispatcherOptions) *Dispatcher[testJob] {
	t.Helper()

	p := NewWorkerPool(fn, PoolOptions{Target: workers})
	d := NewDispatcher(p, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
		p.Close()
	})
	return d
}

func TestDispatcherDedup(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 1, DispatcherOptions{})

	if err := d.TryEnqueue(batchTask("a")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return b.Running("a") })

	if err := d.TryEnqueue(batchTask("a")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate while running, got %v", err)
	}
	if err := d.TryEnqueue(batchTask("b")); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := d.TryEnqueue(interactiveTask("b")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate across classes while queued, got %v", err)
	}

	b.Release("a")
	waitUntil(t, 2*time.Second, func() bool { return b.Running("b") })

	// Completed keys are accepted again.
	if err := d.TryEnqueue(batchTask("a")); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
	b.Release("b")
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })
}

func TestDispatcherBatchFIFO(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 2, DispatcherOptions{})

	keys := []string{"t0", "t1", "t2", "t3", "t4"}
	for _, k := range keys {
		if !d.Enqueue(batchTask(k)) {
			t.Fatalf("enqueue %s rejected", k)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return b.Running("t0") && b.Running("t1") })
	if got := d.QueuedKeys(Batch); !slices.Equal(got, keys[2:]) {
		t.Fatalf("expected queued %v, got %v", keys[2:], got)
	}

	for i := 2; i < len(keys); i++ {
		b.Release(keys[i-2])
		waitUntil(t, 2*time.Second, func() bool { return b.Running(keys[i]) })
		if got := d.QueuedKeys(Batch); !slices.Equal(got, keys[i+1:]) {
			t.Fatalf("step %d: expected queued %v, got %v", i, keys[i+1:], got)
		}
		if s := d.Stats(); s.ActiveBatch != 2 {
			t.Fatalf("step %d: expected 2 active, got %d", i, s.ActiveBatch)
		}
	}
	b.Release("t3")
	b.Release("t4")
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })

	if got := b.MaxRunning(Batch); got > 2 {
		t.Fatalf("concurrency exceeded pool size: %d", got)
	}
}

func TestDispatcherInteractiveFirst(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 1, DispatcherOptions{})

	d.Enqueue(batchTask("b0"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("b0") })
	d.Enqueue(batchTask("b1"))
	d.Enqueue(interactiveTask("i0"))

	b.Release("b0")
	waitUntil(t, 2*time.Second, func() bool { return b.Running("i0") })
	if got := d.QueuedKeys(Batch); !slices.Equal(got, []string{"b1"}) {
		t.Fatalf("expected b1 still queued, got %v", got)
	}
	b.Release("i0")
	b.Release("b1")
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })
}

func TestDispatcherReservedInteractive(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 4, DispatcherOptions{ReservedInteractive: 1})

	d.Enqueue(interactiveTask("i0"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("i0") })
	for i := range 6 {
		d.Enqueue(batchTask("b" + strconv.Itoa(i)))
	}

	waitUntil(t, 2*time.Second, func() bool { return d.Stats().ActiveBatch == 3 })
	time.Sleep(20 * time.Millisecond)
	if s := d.Stats(); s.ActiveBatch != 3 || s.QueuedBatch != 3 {
		t.Fatalf("expected 3 batch running with interactive active, got %+v", s)
	}

	b.Release("i0")
	waitUntil(t, 2*time.Second, func() bool { return d.Stats().ActiveBatch == 4 })
	waitUntil(t, 2*time.Second, func() bool { return b.MaxRunning(Batch) == 4 })

	for i := range 6 {
		b.Release("b" + strconv.Itoa(i))
	}
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })
	if got := b.MaxRunning(Batch); got != 4 {
		t.Fatalf("batch concurrency exceeded the pool: %d", got)
	}
}

func TestDispatcherRejections(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 1, DispatcherOptions{BatchCapacity: 1, InteractiveCapacity: 1})
	d.validate = func(key string) error {
		if key == "../escape" {
			return ErrUnsafeKey
		}
		return nil
	}
	d.failed = func(_ context.Context, key string) bool { return key == "dead" }

	tests := []struct {
		name string
		task Task[testJob]
		want error
	}{
		{"unsafe", batchTask("../escape"), ErrUnsafeKey},
		{"permanently failed", batchTask("dead"), ErrPermanentlyFailed},
		{"first runs", batchTask("run"), nil},
		{"second queues", batchTask("q"), nil},
		{"duplicate", batchTask("q"), ErrDuplicate},
		{"full", batchTask("overflow"), ErrQueueFull},
		{"other class has room", interactiveTask("i"), nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := d.TryEnqueue(tc.task)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.task.Key == "run" {
				waitUntil(t, 2*time.Second, func() bool { return b.Running("run") })
			}
		})
	}

	b.Release("run")
	b.Release("i")
	b.Release("q")
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.TryEnqueue(batchTask("late")); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestDispatcherStaleSweep(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 1, DispatcherOptions{StaleTaskTTL: time.Hour})

	var handled atomic.Int32
	d.handle = func(context.Context, Task[testJob], Outcome, error) bool { handled.Add(1); return false }

	base := time.Now()
	d.now = func() time.Time { return base }
	d.Enqueue(batchTask("stuck"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("stuck") })

	if n := d.SweepStale(base.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("fresh task swept: %d", n)
	}
	if n := d.SweepStale(base.Add(61 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 stale task cleared, got %d", n)
	}
	if s := d.Stats(); s.Active() != 0 {
		t.Fatalf("expected no active tasks after sweep, got %+v", s)
	}

	// The key is accepted again; the old run finishing late must not free
	// the new entry.
	if err := d.TryEnqueue(batchTask("stuck")); err != nil {
		t.Fatalf("re-enqueue after sweep: %v", err)
	}
	b.Release("stuck")
	waitUntil(t, 2*time.Second, func() bool { return handled.Load() == 2 })
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })
}

func TestDispatcherBacklog(t *testing.T) {
	b := newBlocker()
	d := newTestDispatcher(t, b.Transform, 1, DispatcherOptions{})

	d.Enqueue(batchTask("a"))
	d.Enqueue(batchTask("b"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("a") })

	n, err := d.Backlog(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected backlog 2, got %d (%v)", n, err)
	}
	b.Release("a")
	b.Release("b")
	waitUntil(t, 2*time.Second, func() bool { return d.Idle() })
}

func TestDispatcherHoldsFailedKeyForRetry(t *testing.T) {
	var runs atomic.Int32
	flaky := func(context.Context, Request[testJob]) (Outcome, error) {
		if runs.Add(1) == 1 {
			return Outcome{}, errors.New("encoder exited 1")
		}
		return Outcome{Success: true}, nil
	}
	d := newTestDispatcher(t, flaky, 1, DispatcherOptions{})

	retry := make(chan Task[testJob], 1)
	d.handle = func(_ context.Context, task Task[testJob], _ Outcome, err error) bool {
		if err == nil {
			return false
		}
		retry <- task
		return true
	}

	d.Enqueue(batchTask("a"))
	var task Task[testJob]
	select {
	case task = <-retry:
	case <-time.After(2 * time.Second):
		t.Fatal("no retry requested")
	}

	if err := d.TryEnqueue(interactiveTask("a")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate while a retry is pending, got %v", err)
	}
	if s := d.Stats(); s.Active() != 0 || s.Queued() != 0 {
		t.Fatalf("held key must not occupy a slot, got %+v", s)
	}

	if err := d.Requeue(task); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return runs.Load() == 2 && d.Idle() })

	if err := d.TryEnqueue(batchTask("a")); err != nil {
		t.Fatalf("enqueue after successful retry: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return runs.Load() == 3 && d.Idle() })
}

func TestDispatcherReleasesKeyWithoutRetry(t *testing.T) {
	fail := func(context.Context, Request[testJob]) (Outcome, error) {
		return Outcome{}, errors.New("encoder exited 1")
	}
	d := newTestDispatcher(t, fail, 1, DispatcherOptions{})

	var handled atomic.Int32
	d.handle = func(context.Context, Task[testJob], Outcome, error) bool {
		handled.Add(1)
		return false
	}

	d.Enqueue(batchTask("a"))
	waitUntil(t, 2*time.Second, func() bool { return handled.Load() == 1 })
	waitUntil(t, 2*time.Second, func() bool { return d.TryEnqueue(batchTask("a")) == nil })
	waitUntil(t, 2*time.Second, func() bool { return handled.Load() == 2 && d.Idle() })
}
