package mediasched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"go.uber.org/zap"
)

const (
	retryPrefix  = "retry:"
	poisonPrefix = "poison:"
)

// RetryDecision is the result of one recorded failure.
type RetryDecision struct {
	ShouldRetry bool
	Count       int
	Delay       time.Duration
}

type localCount struct {
	n   int
	exp time.Time
}

// RetryCoordinator keeps per-task failure counters in the coordination
// store. When the store fails, counters live in process memory instead
// and are lost on restart.
type RetryCoordinator struct {
	st  store.Store
	ttl time.Duration
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	local    map[string]localCount
	degraded atomic.Bool
}

// NewRetryCoordinator returns a coordinator whose counters expire ttl
// after the first failure.
func NewRetryCoordinator(st store.Store, ttl time.Duration, log *zap.Logger) *RetryCoordinator {
	if st == nil {
		st = store.NoopStore{}
	}
	if ttl <= 0 {
		ttl = DefaultRetryTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryCoordinator{
		st:    st,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
		local: make(map[string]localCount),
	}
}

// BackoffDelay returns min(base*2^(count-1), maxDelay).
func BackoffDelay(count int, base, maxDelay time.Duration) time.Duration {
	if count < 1 {
		count = 1
	}
	d := base
	for i := 1; i < count; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// IncrementAndGetDelay records a failure of contextKey and returns the
// backoff for the next attempt. ShouldRetry is false once the count
// exceeds maxRetries.
func (r *RetryCoordinator) IncrementAndGetDelay(ctx context.Context, contextKey string, maxRetries int, base, maxDelay time.Duration) RetryDecision {
	n := r.incr(ctx, retryPrefix+identity(contextKey))
	return RetryDecision{
		ShouldRetry: n <= maxRetries,
		Count:       n,
		Delay:       BackoffDelay(n, base, maxDelay),
	}
}

// Reset clears the retry counter of contextKey.
func (r *RetryCoordinator) Reset(ctx context.Context, contextKey string) {
	r.del(ctx, retryPrefix+identity(contextKey))
}

// IncrementPoison records an unrecoverable content failure and reports
// whether threshold was reached.
func (r *RetryCoordinator) IncrementPoison(ctx context.Context, contextKey string, threshold int) (int, bool) {
	n := r.incr(ctx, poisonPrefix+identity(contextKey))
	return n, n >= threshold
}

// ResetPoison clears the poison counter of contextKey.
func (r *RetryCoordinator) ResetPoison(ctx context.Context, contextKey string) {
	r.del(ctx, poisonPrefix+identity(contextKey))
}

// Degraded reports whether the last store call fell back to memory.
func (r *RetryCoordinator) Degraded() bool { return r.degraded.Load() }

func (r *RetryCoordinator) incr(ctx context.Context, key string) int {
	n, err := r.st.Incr(ctx, key)
	if err != nil {
		r.fallback(err)
		return r.incrLocal(key)
	}
	r.recovered()
	if n == 1 {
		if err := r.st.Expire(ctx, key, r.ttl); err != nil {
			r.log.Debug("retry counter ttl not set", zap.String("key", key), zap.Error(err))
		}
	}
	return int(n)
}

func (r *RetryCoordinator) incrLocal(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	c, ok := r.local[key]
	if !ok || !now.Before(c.exp) {
		c = localCount{exp: now.Add(r.ttl)}
	}
	c.n++
	r.local[key] = c
	return c.n
}

func (r *RetryCoordinator) del(ctx context.Context, key string) {
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()

	if err := r.st.Del(ctx, key); err != nil && !errors.Is(err, store.ErrUnavailable) {
		r.log.Debug("retry counter delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *RetryCoordinator) fallback(err error) {
	if !r.degraded.Swap(true) {
		r.log.Warn("coordination store failed, retry counters are process-local", zap.Error(err))
	}
}

func (r *RetryCoordinator) recovered() {
	if r.degraded.Swap(false) {
		r.log.Info("coordination store recovered, retry counters persisted again")
	}
}
