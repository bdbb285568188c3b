package mediasched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	failedPrefix     = "failed:"
	failedCacheSize  = 10000
	maxPendingChunks = 10
)

// errTransformFailed is used when a transform returns no error but
// neither success nor skip.
var errTransformFailed = errors.New("mediasched: transform reported failure")

// StatusSink persists task status tuples. Writes must be idempotent.
type StatusSink interface {
	UpsertStatuses(ctx context.Context, updates []store.StatusUpdate) error
}

// ResultOptions configure a ResultHandler.
type ResultOptions struct {
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	PoisonThreshold int
	PoisonSignature string
	FailedMarkerTTL time.Duration
	FlushChunk      int
	FlushInterval   time.Duration
	Logger          *zap.Logger
	OnTaskError     func(key string, err error)
}

// ResultHandler turns worker outcomes into retries, permanent failures,
// status writes and events.
type ResultHandler[P any] struct {
	opts    ResultOptions
	retry   *RetryCoordinator
	st      store.Store
	sink    StatusSink
	events  EventEmitter
	keys    *KeyValidator
	metrics MetricsPolicy
	log     *zap.Logger
	now     func() time.Time

	// requeue re-submits a task after its retry delay.
	requeue func(Task[P]) error

	failed *expirable.LRU[string, time.Time]

	mu      sync.Mutex
	pending []store.StatusUpdate
	flushCh chan struct{}
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewResultHandler wires the handler. sink and events may be nil.
func NewResultHandler[P any](retry *RetryCoordinator, st store.Store, sink StatusSink, events EventEmitter,
	keys *KeyValidator, metrics MetricsPolicy, opts ResultOptions) *ResultHandler[P] {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.PoisonThreshold <= 0 {
		opts.PoisonThreshold = DefaultPoisonThreshold
	}
	if opts.FailedMarkerTTL <= 0 {
		opts.FailedMarkerTTL = DefaultFailedMarkerTTL
	}
	if opts.FlushChunk <= 0 {
		opts.FlushChunk = DefaultFlushChunk
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if st == nil {
		st = store.NoopStore{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &ResultHandler[P]{
		opts:    opts,
		retry:   retry,
		st:      st,
		sink:    sink,
		events:  events,
		keys:    keys,
		metrics: metrics,
		log:     opts.Logger,
		now:     time.Now,
		failed:  expirable.NewLRU[string, time.Time](failedCacheSize, nil, opts.FailedMarkerTTL),
		flushCh: make(chan struct{}, 1),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// SetRequeue sets the function used to re-submit retried tasks.
func (h *ResultHandler[P]) SetRequeue(fn func(Task[P]) error) { h.requeue = fn }

// Handle processes the outcome of one run and reports whether a retry
// was scheduled. It never fails: every error becomes a retry or a
// permanent failure.
func (h *ResultHandler[P]) Handle(ctx context.Context, t Task[P], out Outcome, err error) bool {
	if err == nil && !out.Success && !out.Skipped {
		err = errTransformFailed
	}
	if err == nil {
		h.succeeded(ctx, t, out)
		return false
	}

	h.metrics.IncFailed(t.Class)
	if h.opts.OnTaskError != nil {
		h.opts.OnTaskError(t.Key, err)
	}
	if h.isPoison(err) {
		h.poisoned(ctx, t, err)
		return false
	}

	d := h.retry.IncrementAndGetDelay(ctx, t.Key, h.opts.MaxRetries, h.opts.RetryBase, h.opts.RetryMax)
	if !d.ShouldRetry {
		h.retry.Reset(ctx, t.Key)
		h.permanentFailure(ctx, t, err)
		return false
	}
	h.metrics.IncRetried(t.Class)
	h.log.Info("task failed, retry scheduled",
		zap.String("task", t.Key), zap.Int("attempt", d.Count),
		zap.Duration("delay", d.Delay), zap.Error(err))
	return h.scheduleRetry(t, d.Delay)
}

func (h *ResultHandler[P]) succeeded(ctx context.Context, t Task[P], out Outcome) {
	h.retry.Reset(ctx, t.Key)
	h.retry.ResetPoison(ctx, t.Key)
	status := store.StatusDone
	if out.Skipped && !out.Success {
		status = store.StatusSkipped
	} else {
		h.metrics.IncGenerated(t.Class)
	}
	h.record(t, status)
	h.emit(Event{Type: EventCompleted, Key: t.Key, Class: t.Class, Status: status})
}

func (h *ResultHandler[P]) isPoison(err error) bool {
	if errors.Is(err, ErrPoison) {
		return true
	}
	return h.opts.PoisonSignature != "" && strings.Contains(err.Error(), h.opts.PoisonSignature)
}

// poisoned counts unrecoverable content failures apart from the retry
// ladder. Below the threshold the task is only reported failed; at the
// threshold the source is deleted and the task fails permanently.
func (h *ResultHandler[P]) poisoned(ctx context.Context, t Task[P], err error) {
	n, reached := h.retry.IncrementPoison(ctx, t.Key, h.opts.PoisonThreshold)
	if !reached {
		h.log.Warn("unrecoverable content", zap.String("task", t.Key), zap.Int("count", n), zap.Error(err))
		h.record(t, store.StatusFailed)
		return
	}
	if h.keys != nil {
		if rerr := h.keys.Remove(t.Key); rerr != nil {
			h.log.Warn("poison source not removed", zap.String("task", t.Key), zap.Error(rerr))
		} else {
			h.log.Warn("poison source removed", zap.String("task", t.Key), zap.Int("count", n))
		}
	}
	h.retry.ResetPoison(ctx, t.Key)
	h.retry.Reset(ctx, t.Key)
	h.permanentFailure(ctx, t, err)
}

func (h *ResultHandler[P]) permanentFailure(ctx context.Context, t Task[P], cause error) {
	h.mu.Lock()
	if _, ok := h.failed.Get(t.Key); ok {
		h.mu.Unlock()
		return
	}
	now := h.now()
	h.failed.Add(t.Key, now)
	h.mu.Unlock()

	val := []byte(now.UTC().Format(time.RFC3339))
	if _, err := h.st.Set(ctx, failedPrefix+identity(t.Key), val, h.opts.FailedMarkerTTL, store.SetAlways); err != nil &&
		!errors.Is(err, store.ErrUnavailable) {
		h.log.Warn("failure marker not persisted", zap.String("task", t.Key), zap.Error(err))
	}
	h.metrics.IncPermanentFailure(t.Class)
	h.log.Error("task permanently failed", zap.String("task", t.Key), zap.Error(cause))
	h.record(t, store.StatusFailedPermanent)
	h.emit(Event{Type: EventPermanentFailure, Key: t.Key, Class: t.Class, Status: store.StatusFailedPermanent, Err: cause})
}

// IsPermanentlyFailed reports whether a failure marker for key is live.
func (h *ResultHandler[P]) IsPermanentlyFailed(ctx context.Context, key string) bool {
	if _, ok := h.failed.Get(key); ok {
		return true
	}
	_, err := h.st.Get(ctx, failedPrefix+identity(key))
	return err == nil
}

// ResetFailure clears the permanent-failure marker of key.
func (h *ResultHandler[P]) ResetFailure(ctx context.Context, key string) error {
	h.mu.Lock()
	h.failed.Remove(key)
	h.mu.Unlock()
	h.retry.Reset(ctx, key)
	h.retry.ResetPoison(ctx, key)
	if err := h.st.Del(ctx, failedPrefix+identity(key)); err != nil && !errors.Is(err, store.ErrUnavailable) {
		return err
	}
	return nil
}

func (h *ResultHandler[P]) scheduleRetry(t Task[P], delay time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.requeue == nil {
		return false
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		delete(h.timers, timer)
		h.mu.Unlock()
		if err := h.requeue(t); err != nil {
			h.log.Warn("retry not enqueued", zap.String("task", t.Key), zap.Error(err))
		}
	})
	h.timers[timer] = struct{}{}
	return true
}

// PendingRetries returns the number of retries waiting for their delay.
func (h *ResultHandler[P]) PendingRetries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

// emit delivers e best-effort; a panicking emitter is logged and
// swallowed.
func (h *ResultHandler[P]) emit(e Event) {
	if h.events == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Warn("event emitter panicked",
				zap.String("event", e.Type), zap.String("task", e.Key), zap.Any("panic", rec))
		}
	}()
	e.At = h.now()
	h.events.Emit(e)
}

func (h *ResultHandler[P]) record(t Task[P], status string) {
	if h.sink == nil {
		return
	}
	h.mu.Lock()
	h.pending = append(h.pending, store.StatusUpdate{
		TaskKey:       t.Key,
		SourceVersion: t.Version,
		Status:        status,
		UpdatedAt:     h.now(),
	})
	full := len(h.pending) >= h.opts.FlushChunk
	h.mu.Unlock()
	if full {
		select {
		case h.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush writes buffered statuses in chunks. Chunks that fail are kept
// for the next flush, up to a bound.
func (h *ResultHandler[P]) Flush(ctx context.Context) error {
	if h.sink == nil {
		return nil
	}
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	var failed []store.StatusUpdate
	var firstErr error
	for len(batch) > 0 {
		n := min(len(batch), h.opts.FlushChunk)
		chunk := batch[:n]
		batch = batch[n:]
		if err := h.sink.UpsertStatuses(ctx, chunk); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, chunk...)
		}
	}
	if firstErr == nil {
		return nil
	}

	h.log.Warn("status flush failed", zap.Int("updates", len(failed)), zap.Error(firstErr))
	h.mu.Lock()
	h.pending = append(failed, h.pending...)
	if limit := maxPendingChunks * h.opts.FlushChunk; len(h.pending) > limit {
		h.log.Warn("status buffer overflow, dropping oldest updates", zap.Int("dropped", len(h.pending)-limit))
		h.pending = h.pending[len(h.pending)-limit:]
	}
	h.mu.Unlock()
	return firstErr
}

// Buffered returns the number of statuses waiting for a flush.
func (h *ResultHandler[P]) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Run flushes on the interval and whenever a chunk fills up, until ctx is
// done.
func (h *ResultHandler[P]) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.flushCh:
		}
		_ = h.Flush(ctx)
	}
}

// Close cancels pending retries and flushes what is buffered.
func (h *ResultHandler[P]) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for t := range h.timers {
		t.Stop()
	}
	h.timers = make(map[*time.Timer]struct{})
	h.mu.Unlock()
	return h.Flush(ctx)
}
