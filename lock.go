package mediasched

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockPrefix = "lock:"

// Lease is a held job lock.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
	local     bool
}

// Local reports whether the lease came from the in-process fallback.
func (l Lease) Local() bool { return l.local }

type localLock struct {
	owner string
	exp   time.Time
}

// Locker provides named locks with a TTL for singleton jobs.
//
// Locks are set-if-absent keys in the coordination store. When the store
// is unavailable, a process-local map is used instead, which is only
// correct for a single-process deployment.
type Locker struct {
	st  store.Store
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	local    map[string]localLock
	degraded atomic.Bool
}

// NewLocker returns a locker backed by st.
func NewLocker(st store.Store, log *zap.Logger) *Locker {
	if st == nil {
		st = store.NoopStore{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{st: st, log: log, now: time.Now, local: make(map[string]localLock)}
}

// Acquire tries to take the lock name for ttl. It does not wait: ok is
// false when another owner holds it. A store error other than
// store.ErrUnavailable is returned with ok false and the caller should
// skip this cycle.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	owner := uuid.NewString()
	lease := Lease{Name: name, Owner: owner, ExpiresAt: l.now().Add(ttl)}

	ok, err := l.st.Set(ctx, lockPrefix+name, []byte(owner), ttl, store.SetIfAbsent)
	switch {
	case err == nil:
		l.degraded.Store(false)
		return lease, ok, nil
	case errors.Is(err, store.ErrUnavailable):
		if !l.degraded.Swap(true) {
			l.log.Warn("coordination store unavailable, using process-local locks")
		}
		lease.local = true
		return lease, l.acquireLocal(name, owner, lease.ExpiresAt), nil
	default:
		return Lease{}, false, err
	}
}

func (l *Locker) acquireLocal(name, owner string, exp time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.local[name]; ok && l.now().Before(cur.exp) {
		return false
	}
	l.local[name] = localLock{owner: owner, exp: exp}
	return true
}

// Release drops the lease if it is still held by its owner.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if lease.local {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.local[lease.Name]; ok && cur.owner == lease.Owner {
			delete(l.local, lease.Name)
		}
		return nil
	}

	key := lockPrefix + lease.Name
	cur, err := l.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// Not atomic with the Get: a lock that expired and was re-taken in
	// between is left alone by the owner check only.
	if !bytes.Equal(cur, []byte(lease.Owner)) {
		return nil
	}
	return l.st.Del(ctx, key)
}
