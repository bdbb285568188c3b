package mediasched

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"github.com/spf13/afero"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]store.StatusUpdate
	fail   atomic.Bool
}

func (s *recordingSink) UpsertStatuses(_ context.Context, updates []store.StatusUpdate) error {
	if s.fail.Load() {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]store.StatusUpdate(nil), updates...))
	return nil
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, len(c))
	}
	return out
}

func (s *recordingSink) last() store.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chunks[len(s.chunks)-1]
	return c[len(c)-1]
}

type resultHarness struct {
	h        *ResultHandler[testJob]
	st       *store.MemStore
	metrics  *AtomicMetrics
	sink     *recordingSink
	requeued atomic.Int32
	events   map[string]int
	mu       sync.Mutex
}

func newResultHarness(keys *KeyValidator, opts ResultOptions) *resultHarness {
	r := &resultHarness{
		st:      store.NewMemStore(),
		metrics: &AtomicMetrics{},
		sink:    &recordingSink{},
		events:  make(map[string]int),
	}
	bus := NewBus(nil)
	bus.SubscribeAll(func(e Event) {
		r.mu.Lock()
		r.events[e.Type]++
		r.mu.Unlock()
	})
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
		opts.RetryMax = 2 * time.Millisecond
	}
	retry := NewRetryCoordinator(r.st, time.Hour, nil)
	r.h = NewResultHandler[testJob](retry, r.st, r.sink, bus, keys, r.metrics, opts)
	r.h.SetRequeue(func(Task[testJob]) error {
		r.requeued.Add(1)
		return nil
	})
	return r
}

func (r *resultHarness) eventCount(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[typ]
}

func TestResultsPermanentFailureAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{MaxRetries: 3})
	task := batchTask("clip.mov")
	boom := errors.New("encoder exited 1")

	for i := 1; i <= 3; i++ {
		r.h.Handle(ctx, task, Outcome{}, boom)
		waitUntil(t, 2*time.Second, func() bool { return r.requeued.Load() == int32(i) })
	}
	if r.h.IsPermanentlyFailed(ctx, task.Key) {
		t.Fatal("task failed permanently before exhausting retries")
	}

	r.h.Handle(ctx, task, Outcome{}, boom)
	// A second terminal transition for the same key is ignored.
	r.h.permanentFailure(ctx, task, boom)

	if !r.h.IsPermanentlyFailed(ctx, task.Key) {
		t.Fatal("expected permanent failure after the 4th failure")
	}
	m := r.metrics.Snapshot()
	if m.Failures != 4 || m.Retries != 3 || m.PermanentFailures != 1 {
		t.Fatalf("unexpected counters: %+v", m)
	}
	if n := r.eventCount(EventPermanentFailure); n != 1 {
		t.Fatalf("expected exactly one permanent failure event, got %d", n)
	}
	if r.requeued.Load() != 3 {
		t.Fatalf("expected no requeue after the last failure, got %d", r.requeued.Load())
	}

	keys, _ := r.st.Scan(ctx, retryPrefix)
	if len(keys) != 0 {
		t.Fatalf("retry counter not cleared: %v", keys)
	}
	if _, err := r.st.Get(ctx, failedPrefix+identity(task.Key)); err != nil {
		t.Fatalf("failure marker not persisted: %v", err)
	}

	if err := r.h.ResetFailure(ctx, task.Key); err != nil {
		t.Fatalf("reset failure: %v", err)
	}
	if r.h.IsPermanentlyFailed(ctx, task.Key) {
		t.Fatal("marker still live after reset")
	}
}

func TestResultsMarkerSurvivesHandler(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{MaxRetries: 1})
	task := batchTask("clip.mov")

	r.h.Handle(ctx, task, Outcome{}, errors.New("x"))
	r.h.Handle(ctx, task, Outcome{}, errors.New("x"))

	// A fresh handler on the same store sees the marker.
	other := NewResultHandler[testJob](NewRetryCoordinator(r.st, time.Hour, nil), r.st, nil, nil, nil, nil, ResultOptions{})
	if !other.IsPermanentlyFailed(ctx, task.Key) {
		t.Fatal("marker not visible through the store")
	}
}

func TestResultsSuccessResetsCounters(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{MaxRetries: 3})
	task := batchTask("a.jpg")

	r.h.Handle(ctx, task, Outcome{}, errors.New("flaky"))
	r.h.Handle(ctx, task, Outcome{Success: true}, nil)

	d := r.h.retry.IncrementAndGetDelay(ctx, task.Key, 3, time.Second, time.Minute)
	if d.Count != 1 {
		t.Fatalf("retry counter not reset on success, count %d", d.Count)
	}
	if m := r.metrics.Snapshot(); m.Generated != 1 {
		t.Fatalf("expected 1 generated, got %d", m.Generated)
	}
	if n := r.eventCount(EventCompleted); n != 1 {
		t.Fatalf("expected 1 completed event, got %d", n)
	}

	r.h.Handle(ctx, batchTask("b.jpg"), Outcome{Skipped: true}, nil)
	if m := r.metrics.Snapshot(); m.Generated != 1 {
		t.Fatalf("skipped task counted as generated: %d", m.Generated)
	}
	if err := r.h.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := r.sink.last(); got.TaskKey != "b.jpg" || got.Status != store.StatusSkipped {
		t.Fatalf("unexpected last status %+v", got)
	}
}

func TestResultsEmptyOutcomeIsFailure(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{MaxRetries: 3})

	var reported error
	r.h.opts.OnTaskError = func(_ string, err error) { reported = err }
	r.h.Handle(ctx, batchTask("a.jpg"), Outcome{}, nil)

	if !errors.Is(reported, errTransformFailed) {
		t.Fatalf("expected errTransformFailed, got %v", reported)
	}
	if m := r.metrics.Snapshot(); m.Failures != 1 || m.Retries != 1 {
		t.Fatalf("unexpected counters %+v", m)
	}
}

func TestResultsPoison(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/media/bad.jpg", []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	keys := NewKeyValidator(fs, "/media")
	r := newResultHarness(keys, ResultOptions{PoisonThreshold: 3, PoisonSignature: "Invalid data found"})
	task := batchTask("bad.jpg")

	r.h.Handle(ctx, task, Outcome{}, fmt.Errorf("%w: truncated header", ErrPoison))
	r.h.Handle(ctx, task, Outcome{}, errors.New("ffmpeg: Invalid data found when processing input"))
	if r.requeued.Load() != 0 {
		t.Fatal("poison failures must not go through the retry ladder")
	}
	if ok, _ := afero.Exists(fs, "/media/bad.jpg"); !ok {
		t.Fatal("source removed before the threshold")
	}

	r.h.Handle(ctx, task, Outcome{}, fmt.Errorf("%w: truncated header", ErrPoison))
	if ok, _ := afero.Exists(fs, "/media/bad.jpg"); ok {
		t.Fatal("source not removed at the threshold")
	}
	if !r.h.IsPermanentlyFailed(ctx, task.Key) {
		t.Fatal("expected permanent failure at the poison threshold")
	}
	poison, _ := r.st.Scan(ctx, poisonPrefix)
	if len(poison) != 0 {
		t.Fatalf("poison counter not cleared: %v", poison)
	}
}

func TestResultsFlushChunks(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{FlushChunk: 2})

	for i := range 5 {
		r.h.Handle(ctx, Task[testJob]{Key: strconv.Itoa(i), Class: Batch, Version: int64(i)}, Outcome{Success: true}, nil)
	}
	if r.h.Buffered() != 5 {
		t.Fatalf("expected 5 buffered, got %d", r.h.Buffered())
	}

	r.sink.fail.Store(true)
	if err := r.h.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if r.h.Buffered() != 5 {
		t.Fatalf("failed chunks must stay buffered, got %d", r.h.Buffered())
	}

	r.sink.fail.Store(false)
	if err := r.h.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := r.sink.sizes()
	if len(got) != 3 || got[0] != 2 || got[1] != 2 || got[2] != 1 {
		t.Fatalf("expected chunks [2 2 1], got %v", got)
	}
	if r.h.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", r.h.Buffered())
	}
}

func TestResultsFlushOverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{FlushChunk: 1})
	r.sink.fail.Store(true)

	for i := range maxPendingChunks + 5 {
		r.h.Handle(ctx, batchTask(strconv.Itoa(i)), Outcome{Success: true}, nil)
	}
	_ = r.h.Flush(ctx)
	if r.h.Buffered() != maxPendingChunks {
		t.Fatalf("expected buffer capped at %d, got %d", maxPendingChunks, r.h.Buffered())
	}

	r.sink.fail.Store(false)
	if err := r.h.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if first := r.sink.chunks[0][0].TaskKey; first != "5" {
		t.Fatalf("expected oldest updates dropped, first kept %q", first)
	}
}

func TestResultsCloseCancelsRetries(t *testing.T) {
	ctx := context.Background()
	r := newResultHarness(nil, ResultOptions{RetryBase: time.Hour, RetryMax: time.Hour})

	r.h.Handle(ctx, batchTask("a"), Outcome{}, errors.New("x"))
	if r.h.PendingRetries() != 1 {
		t.Fatalf("expected 1 pending retry, got %d", r.h.PendingRetries())
	}
	if err := r.h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.h.PendingRetries() != 0 {
		t.Fatalf("expected retries cancelled, got %d", r.h.PendingRetries())
	}

	r.h.Handle(ctx, batchTask("b"), Outcome{}, errors.New("x"))
	if r.h.PendingRetries() != 0 {
		t.Fatal("retry scheduled after close")
	}
}

func TestKeyValidator(t *testing.T) {
	v := NewKeyValidator(afero.NewMemMapFs(), "/media")

	tests := []struct {
		key string
		ok  bool
	}{
		{"a.jpg", true},
		{"2024/06/a.jpg", true},
		{"", false},
		{"../etc/passwd", false},
		{"a/../../b", false},
		{"a\x00b", false},
	}
	for _, tc := range tests {
		err := v.Validate(tc.key)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.key, err)
		}
		if !tc.ok && !errors.Is(err, ErrUnsafeKey) {
			t.Fatalf("%q: expected ErrUnsafeKey, got %v", tc.key, err)
		}
	}
}

type panicEmitter struct{}

func (panicEmitter) Emit(Event) { panic("emitter down") }

func TestResultsEmitterPanicIsSwallowed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	metrics := &AtomicMetrics{}
	sink := &recordingSink{}
	h := NewResultHandler[testJob](NewRetryCoordinator(st, time.Hour, nil), st, sink, panicEmitter{}, nil, metrics,
		ResultOptions{MaxRetries: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond})

	h.Handle(ctx, batchTask("a.jpg"), Outcome{Success: true}, nil)
	h.Handle(ctx, batchTask("b.jpg"), Outcome{}, errors.New("x"))
	h.Handle(ctx, batchTask("b.jpg"), Outcome{}, errors.New("x"))

	if s := metrics.Snapshot(); s.Generated != 1 || s.PermanentFailures != 1 {
		t.Fatalf("unexpected counters %+v", s)
	}
	if err := h.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := sink.last().Status; got != store.StatusFailedPermanent {
		t.Fatalf("expected last status %q, got %q", store.StatusFailedPermanent, got)
	}
}
