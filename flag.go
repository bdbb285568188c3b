package mediasched

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// IndexFlag reports a bulk index rebuild in progress.
type IndexFlag interface {
	Active() bool
}

// StaticFlag is a settable IndexFlag.
type StaticFlag struct {
	v atomic.Bool
}

func (f *StaticFlag) Set(active bool) { f.v.Store(active) }
func (f *StaticFlag) Active() bool    { return f.v.Load() }

// FileFlag is active while a sentinel file exists. The indexer creates
// the file when a rebuild starts and removes it when done.
type FileFlag struct {
	path    string
	active  atomic.Bool
	watcher *fsnotify.Watcher
	log     *zap.Logger
}

// NewFileFlag watches the directory containing path.
func NewFileFlag(path string, log *zap.Logger) (*FileFlag, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	f := &FileFlag{path: filepath.Clean(path), watcher: watcher, log: log}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return nil, err
	}
	f.refresh()
	return f, nil
}

func (f *FileFlag) Active() bool { return f.active.Load() }

func (f *FileFlag) refresh() {
	_, err := os.Stat(f.path)
	f.active.Store(err == nil)
}

// Run processes watcher events until ctx is done, then closes the watcher.
func (f *FileFlag) Run(ctx context.Context) {
	defer f.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			was := f.Active()
			f.refresh()
			if now := f.Active(); now != was {
				f.log.Info("index rebuild flag changed", zap.Bool("active", now))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("index flag watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (f *FileFlag) Close() error { return f.watcher.Close() }
