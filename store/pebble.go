package store

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const expiryHeader = 8

// PebbleOptions tune the on-disk store.
type PebbleOptions struct {
	// InMemory keeps all data in a memory filesystem. Used by tests.
	InMemory bool
	// NoSync disables fsync on writes.
	NoSync bool
	// CacheSize is the block cache size in bytes.
	CacheSize int64
}

// PebbleStore is a Store persisted in a local pebble database.
//
// Values are stored with an 8-byte big-endian expiry header (unix nanos,
// zero for no expiry). Expired keys are invisible to readers and removed
// by Sweep or on the next write. Read-modify-write operations are
// serialized by a process-wide mutex.
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	wo     *pebble.WriteOptions
	closed bool
	now    func() time.Time
}

// OpenPebble opens (or creates) a store in dir.
func OpenPebble(dir string, opts PebbleOptions) (*PebbleStore, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8 << 20
	}
	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	po := &pebble.Options{Cache: cache}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %q", dir)
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &PebbleStore{db: db, wo: wo, now: time.Now}, nil
}

func encodeValue(exp time.Time, val []byte) []byte {
	buf := make([]byte, expiryHeader+len(val))
	if !exp.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(exp.UnixNano()))
	}
	copy(buf[expiryHeader:], val)
	return buf
}

func decodeValue(raw []byte) (time.Time, []byte) {
	if len(raw) < expiryHeader {
		return time.Time{}, nil
	}
	var exp time.Time
	if ns := binary.BigEndian.Uint64(raw); ns != 0 {
		exp = time.Unix(0, int64(ns))
	}
	return exp, raw[expiryHeader:]
}

// read returns a copy of the live value under key. Caller holds mu.
func (s *PebbleStore) read(key string) (time.Time, []byte, error) {
	if s.closed {
		return time.Time{}, nil, ErrUnavailable
	}
	raw, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return time.Time{}, nil, ErrNotFound
	}
	if err != nil {
		return time.Time{}, nil, errors.Wrapf(err, "get %q", key)
	}
	exp, val := decodeValue(raw)
	val = append([]byte(nil), val...)
	closer.Close()
	if expired(exp, s.now()) {
		return time.Time{}, nil, ErrNotFound
	}
	return exp, val, nil
}

func (s *PebbleStore) write(key string, exp time.Time, val []byte) error {
	if err := s.db.Set([]byte(key), encodeValue(exp, val), s.wo); err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, val, err := s.read(key)
	return val, err
}

func (s *PebbleStore) Set(_ context.Context, key string, val []byte, ttl time.Duration, mode SetMode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrUnavailable
	}
	if mode == SetIfAbsent {
		_, _, err := s.read(key)
		if err == nil {
			return false, nil
		}
		if err != ErrNotFound {
			return false, err
		}
	}
	if err := s.write(key, expiry(s.now(), ttl), val); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, val, err := s.read(key)
	var n int64
	switch {
	case err == ErrNotFound:
		n, exp = 1, time.Time{}
	case err != nil:
		return 0, err
	default:
		cur, perr := strconv.ParseInt(string(val), 10, 64)
		if perr != nil {
			return 0, ErrNotInteger
		}
		n = cur + 1
	}
	if err := s.write(key, exp, []byte(strconv.FormatInt(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PebbleStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, val, err := s.read(key)
	if err != nil {
		return err
	}
	return s.write(key, expiry(s.now(), ttl), val)
}

func (s *PebbleStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	return errors.Wrapf(s.db.Delete([]byte(key), s.wo), "delete %q", key)
}

func (s *PebbleStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	iopts := &pebble.IterOptions{LowerBound: []byte(prefix)}
	if upper := prefixUpperBound([]byte(prefix)); upper != nil {
		iopts.UpperBound = upper
	}
	iter, err := s.db.NewIter(iopts)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	defer iter.Close()

	now := s.now()
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		if exp, _ := decodeValue(iter.Value()); expired(exp, now) {
			continue
		}
		keys = append(keys, string(iter.Key()))
	}
	return keys, errors.Wrap(iter.Error(), "scan")
}

// Sweep deletes every expired key in one batch.
func (s *PebbleStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "sweep")
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	now := s.now()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		if exp, _ := decodeValue(iter.Value()); expired(exp, now) {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				iter.Close()
				return 0, errors.Wrap(err, "sweep")
			}
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, errors.Wrap(err, "sweep")
	}
	if n == 0 {
		return 0, nil
	}
	return n, errors.Wrap(batch.Commit(s.wo), "sweep commit")
}

// Close flushes and closes the database. Later calls return ErrUnavailable.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := errors.Wrap(s.db.Flush(), "flush")
	return multierr.Append(err, errors.Wrap(s.db.Close(), "close"))
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
