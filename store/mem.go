package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memEntry struct {
	val []byte
	exp time.Time
}

// MemStore is an in-process Store with TTL support.
//
// It is correct only for a single process; state is lost on restart.
type MemStore struct {
	m   *xsync.MapOf[string, memEntry]
	now func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		m:   xsync.NewMapOf[string, memEntry](),
		now: time.Now,
	}
}

func (s *MemStore) live(key string) (memEntry, bool) {
	e, ok := s.m.Load(key)
	if !ok {
		return memEntry{}, false
	}
	if expired(e.exp, s.now()) {
		s.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
			return old, loaded && expired(old.exp, s.now())
		})
		return memEntry{}, false
	}
	return e, true
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (s *MemStore) Set(_ context.Context, key string, val []byte, ttl time.Duration, mode SetMode) (bool, error) {
	now := s.now()
	written := false
	s.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		if mode == SetIfAbsent && loaded && !expired(old.exp, now) {
			return old, false
		}
		written = true
		return memEntry{val: append([]byte(nil), val...), exp: expiry(now, ttl)}, false
	})
	return written, nil
}

func (s *MemStore) Incr(_ context.Context, key string) (int64, error) {
	now := s.now()
	var (
		n   int64
		err error
	)
	s.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		if !loaded || expired(old.exp, now) {
			n = 1
			return memEntry{val: []byte("1")}, false
		}
		cur, perr := strconv.ParseInt(string(old.val), 10, 64)
		if perr != nil {
			err = ErrNotInteger
			return old, false
		}
		n = cur + 1
		return memEntry{val: []byte(strconv.FormatInt(n, 10)), exp: old.exp}, false
	})
	return n, err
}

func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	now := s.now()
	found := false
	s.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		if !loaded || expired(old.exp, now) {
			return old, true
		}
		found = true
		old.exp = expiry(now, ttl)
		return old, false
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *MemStore) Del(_ context.Context, key string) error {
	s.m.Delete(key)
	return nil
}

func (s *MemStore) Scan(_ context.Context, prefix string) ([]string, error) {
	now := s.now()
	var keys []string
	s.m.Range(func(k string, e memEntry) bool {
		if strings.HasPrefix(k, prefix) && !expired(e.exp, now) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

// Sweep deletes expired keys and reports how many were removed.
func (s *MemStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	n := 0
	s.m.Range(func(k string, e memEntry) bool {
		if expired(e.exp, now) {
			s.m.Delete(k)
			n++
		}
		return true
	})
	return n, nil
}
