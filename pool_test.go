package mediasched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func runAsync(p *WorkerPool[testJob], t Task[testJob]) <-chan error {
	errc := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), Request[testJob]{Task: t})
		errc <- err
	}()
	return errc
}

func TestPoolLazyEnsure(t *testing.T) {
	p := NewWorkerPool(noopTransform, PoolOptions{Target: 3})
	defer p.Close()

	if p.Size() != 0 || p.Desired() != 0 {
		t.Fatalf("expected empty pool before first demand, got size=%d desired=%d", p.Size(), p.Desired())
	}

	out, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("a")})
	if err != nil || !out.Success {
		t.Fatalf("run failed: out=%+v err=%v", out, err)
	}
	if p.Size() != 3 {
		t.Fatalf("expected pool to converge to 3, got %d", p.Size())
	}

	if n := p.Ensure(); n != 3 {
		t.Fatalf("ensure on a live pool changed size to %d", n)
	}
}

func TestPoolResize(t *testing.T) {
	tests := []struct {
		name  string
		steps []int
		want  int
	}{
		{"grow", []int{2, 5}, 5},
		{"shrink idle", []int{6, 2}, 2},
		{"same", []int{3, 3}, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewWorkerPool(noopTransform, PoolOptions{Target: 1})
			defer p.Close()

			var got int
			for _, n := range tc.steps {
				got = p.Resize(n)
			}
			if got != tc.want || p.Size() != tc.want {
				t.Fatalf("expected %d workers, got resize=%d size=%d", tc.want, got, p.Size())
			}
			if p.Target() != tc.want {
				t.Fatalf("expected target %d, got %d", tc.want, p.Target())
			}
		})
	}
}

func TestPoolShrinkWaitsForBusy(t *testing.T) {
	b := newBlocker()
	p := NewWorkerPool(b.Transform, PoolOptions{Target: 2})
	defer p.Close()

	e1 := runAsync(p, batchTask("a"))
	e2 := runAsync(p, batchTask("b"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("a") && b.Running("b") })

	if n := p.Resize(1); n != 2 {
		t.Fatalf("busy workers must not be terminated, got size %d", n)
	}

	b.Release("a")
	if err := <-e1; err != nil {
		t.Fatalf("run a failed: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return p.Size() == 1 })

	b.Release("b")
	if err := <-e2; err != nil {
		t.Fatalf("run b failed: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("expected 1 worker after shrink, got %d", p.Size())
	}
}

func TestPoolResizeZero(t *testing.T) {
	b := newBlocker()
	p := NewWorkerPool(b.Transform, PoolOptions{Target: 2})
	defer p.Close()

	errc := runAsync(p, batchTask("busy"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("busy") })

	if n := p.Resize(0); n != 0 {
		t.Fatalf("expected teardown, got %d workers", n)
	}
	if p.Desired() != 0 {
		t.Fatalf("expected desired 0, got %d", p.Desired())
	}

	b.Release("busy")
	if err := <-errc; err != nil {
		t.Fatalf("run interrupted by teardown: %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("retired worker came back, size %d", p.Size())
	}

	// Next demand re-creates the pool at the remembered target.
	b.Release("again")
	if _, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("again")}); err != nil {
		t.Fatalf("run after teardown failed: %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected pool re-created with 2 workers, got %d", p.Size())
	}
}

func TestPoolCrashSpawnsReplacement(t *testing.T) {
	fn := func(ctx context.Context, req Request[testJob]) (Outcome, error) {
		if req.Task.Key == "boom" {
			panic("decoder exploded")
		}
		return Outcome{Success: true}, nil
	}
	var internal []error
	var mu sync.Mutex
	p := NewWorkerPool(fn, PoolOptions{
		Target: 2,
		OnInternalError: func(err error) {
			mu.Lock()
			internal = append(internal, err)
			mu.Unlock()
		},
	})
	defer p.Close()

	_, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("boom")})
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("expected ErrWorkerCrashed, got %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected replacement worker, got size %d", p.Size())
	}

	for i := range 4 {
		if _, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("ok")}); err != nil {
			t.Fatalf("run %d after crash failed: %v", i, err)
		}
	}
	if p.Busy() != 0 {
		t.Fatalf("expected no busy workers, got %d", p.Busy())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(internal) != 0 {
		t.Fatalf("unexpected internal errors: %v", internal)
	}
}

func TestPoolIdleTeardown(t *testing.T) {
	p := NewWorkerPool(noopTransform, PoolOptions{Target: 3, IdleTimeout: 20 * time.Millisecond})
	defer p.Close()

	if _, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("a")}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return p.Size() == 0 && p.Desired() == 0 })

	if _, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("b")}); err != nil {
		t.Fatalf("run after idle teardown failed: %v", err)
	}
	if p.Size() != 3 {
		t.Fatalf("expected pool re-created, got %d", p.Size())
	}
}

func TestPoolRunHonorsContextWhileWaiting(t *testing.T) {
	b := newBlocker()
	p := NewWorkerPool(b.Transform, PoolOptions{Target: 1})
	defer p.Close()

	errc := runAsync(p, batchTask("hold"))
	waitUntil(t, 2*time.Second, func() bool { return b.Running("hold") })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Run(ctx, Request[testJob]{Task: batchTask("late")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	b.Release("hold")
	if err := <-errc; err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestPoolClosed(t *testing.T) {
	p := NewWorkerPool(noopTransform, PoolOptions{Target: 1})
	p.Close()

	if _, err := p.Run(context.Background(), Request[testJob]{Task: batchTask("a")}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if n := p.Resize(4); n != 0 {
		t.Fatalf("closed pool resized to %d", n)
	}
}
