package mediasched

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"
)

type testJob struct {
	N int
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("condition not satisfied before timeout")
}

// blocker is a transform that parks every run until its key is released.
type blocker struct {
	mu       sync.Mutex
	started  []string
	running  map[string]bool
	release  map[string]chan struct{}
	byClass  [2]int
	maxClass [2]int
}

func newBlocker() *blocker {
	return &blocker{
		running: make(map[string]bool),
		release: make(map[string]chan struct{}),
	}
}

func (b *blocker) ch(key string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.release[key]
	if !ok {
		c = make(chan struct{})
		b.release[key] = c
	}
	return c
}

// Release lets the run of key finish.
func (b *blocker) Release(key string) { close(b.ch(key)) }

func (b *blocker) Started() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

func (b *blocker) Running(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[key]
}

func (b *blocker) MaxRunning(c Class) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxClass[c]
}

func (b *blocker) Transform(ctx context.Context, req Request[testJob]) (Outcome, error) {
	key, c := req.Task.Key, req.Task.Class
	b.mu.Lock()
	b.started = append(b.started, key)
	b.running[key] = true
	b.byClass[c]++
	b.maxClass[c] = max(b.maxClass[c], b.byClass[c])
	b.mu.Unlock()

	<-b.ch(key)

	b.mu.Lock()
	delete(b.running, key)
	b.byClass[c]--
	b.mu.Unlock()
	return Outcome{Success: true}, nil
}

func noopTransform(context.Context, Request[testJob]) (Outcome, error) {
	return Outcome{Success: true}, nil
}

func batchTask(key string) Task[testJob] {
	return Task[testJob]{Key: key, Class: Batch}
}

func interactiveTask(key string) Task[testJob] {
	return Task[testJob]{Key: key, Class: Interactive}
}
