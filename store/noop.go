package store

import (
	"context"
	"time"
)

// NoopStore stands in for a coordination store that is not configured.
// Every operation returns ErrUnavailable.
type NoopStore struct{}

func (NoopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrUnavailable }

func (NoopStore) Set(context.Context, string, []byte, time.Duration, SetMode) (bool, error) {
	return false, ErrUnavailable
}

func (NoopStore) Incr(context.Context, string) (int64, error)         { return 0, ErrUnavailable }
func (NoopStore) Expire(context.Context, string, time.Duration) error { return ErrUnavailable }
func (NoopStore) Del(context.Context, string) error                   { return ErrUnavailable }
func (NoopStore) Scan(context.Context, string) ([]string, error)      { return nil, ErrUnavailable }
