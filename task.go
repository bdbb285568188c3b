package mediasched

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/spf13/afero"
)

var (
	// ErrDuplicate is returned when a task with the same key is already
	// queued or running.
	ErrDuplicate = errors.New("mediasched: task already queued or running")

	// ErrQueueFull is returned when the class queue reached its capacity.
	ErrQueueFull = errors.New("mediasched: queue is full")

	// ErrUnsafeKey is returned for keys that fail the containment check.
	ErrUnsafeKey = errors.New("mediasched: unsafe task key")

	// ErrPermanentlyFailed is returned while a permanent-failure marker
	// for the key is live.
	ErrPermanentlyFailed = errors.New("mediasched: task permanently failed")

	// ErrPoison marks unrecoverable content errors. Transform functions
	// wrap it to opt into the poison counter.
	ErrPoison = errors.New("mediasched: unrecoverable content")
)

// Class is the priority class of a task.
type Class uint8

const (
	// Interactive tasks have a live caller waiting for the result.
	Interactive Class = iota
	// Batch tasks are backlog work.
	Batch
)

func (c Class) String() string {
	switch c {
	case Interactive:
		return "interactive"
	case Batch:
		return "batch"
	default:
		return "unknown"
	}
}

// Task is one unit of media transform work.
//
// Key is the stable deduplication identity (a path relative to the source
// root). Version identifies the source revision and is reported to the
// status sink.
type Task[P any] struct {
	Key     string
	Class   Class
	Version int64
	Payload P
}

// Hints carries the adaptive profile to transform functions.
type Hints struct {
	Mode           Mode
	PerTaskThreads int
	Preset         string
	SecondaryWork  bool
}

// Request is what a worker receives.
type Request[P any] struct {
	Task  Task[P]
	Hints Hints
}

// Outcome is what a transform reports back.
type Outcome struct {
	Success bool
	Skipped bool
}

// TransformFunc performs the actual media transform. A panic inside the
// function is treated as a worker crash.
type TransformFunc[P any] func(ctx context.Context, req Request[P]) (Outcome, error)

// identity returns a fixed-width, store-safe form of a task key.
func identity(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// KeyValidator rejects task keys that escape the source root.
type KeyValidator struct {
	fs *afero.BasePathFs
}

// NewKeyValidator returns a validator rooted at root on fs.
// A nil fs means the OS filesystem.
func NewKeyValidator(fs afero.Fs, root string) *KeyValidator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		root = string(filepath.Separator)
	}
	return &KeyValidator{fs: afero.NewBasePathFs(fs, root).(*afero.BasePathFs)}
}

// Validate returns ErrUnsafeKey when key is empty, contains a NUL byte,
// has a parent-directory segment, or resolves outside the root.
func (v *KeyValidator) Validate(key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrUnsafeKey, key)
	}
	for _, seg := range strings.Split(filepath.ToSlash(key), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrUnsafeKey, key)
		}
	}
	if _, err := v.fs.RealPath(key); err != nil {
		return fmt.Errorf("%w: %q", ErrUnsafeKey, key)
	}
	return nil
}

// Remove deletes the source item behind key.
func (v *KeyValidator) Remove(key string) error {
	if err := v.Validate(key); err != nil {
		return err
	}
	return v.fs.Remove(key)
}
