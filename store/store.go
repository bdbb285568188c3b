// Package store provides the coordination store used by the scheduler for
// state that has to outlive the process or be shared with other processes:
// retry counters, singleton-job locks, permanent-failure markers and the
// published adaptive profile.
//
// Three implementations are provided:
//
//   - MemStore: process-local, TTL-aware, safe for concurrent use
//   - PebbleStore: persistent on local disk, survives restarts
//   - NoopStore: every call fails with ErrUnavailable, which makes callers
//     switch to their in-process fallbacks
//
// The store makes no multi-key transactional guarantees. Callers treat it as
// eventually consistent.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for missing or expired keys.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrNotInteger is returned by Incr when the stored value is not a number.
	ErrNotInteger = errors.New("store: value is not an integer")
)

// SetMode selects Set semantics.
type SetMode int

const (
	// SetAlways overwrites any existing value.
	SetAlways SetMode = iota
	// SetIfAbsent writes only when the key is missing or expired.
	SetIfAbsent
)

// Store is the key-value contract consumed by the scheduler.
//
// A ttl of zero means no expiry. Scan returns the live keys that start
// with prefix, in lexical order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration, mode SetMode) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Sweeper is implemented by stores that can purge expired keys eagerly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Status values written to a StatusSink.
const (
	StatusDone            = "done"
	StatusSkipped         = "skipped"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
)

// StatusUpdate is one row of the status sink.
type StatusUpdate struct {
	TaskKey       string
	SourceVersion int64
	Status        string
	UpdatedAt     time.Time
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(exp, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}
