package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Andrej220/go-utils/mediasched"
	"github.com/Andrej220/go-utils/mediasched/config"
	"github.com/Andrej220/go-utils/mediasched/store"
	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	backfillJob      = "backfill"
	gateEvery        = 100
	enqueueRetryWait = 200 * time.Millisecond
	reportEvery      = 5 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// fileJob is the payload of a backfill task.
type fileJob struct {
	Size int64
}

func newRunCmd() *cobra.Command {
	var dir, listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Backfill a directory through the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Metrics.Listen = listen
			}
			if dir == "" {
				dir = cfg.Source.Root
			}
			if dir == "" {
				return errors.New("no directory: set --dir or source.root")
			}
			return run(cmd.Context(), cfg, dir)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory to backfill")
	cmd.Flags().StringVar(&listen, "listen", "", "metrics listen address (overrides metrics.listen)")
	return cmd
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(cfg config.StoreConfig) (store.Store, io.Closer, error) {
	switch cfg.Backend {
	case "pebble":
		ps, err := store.OpenPebble(cfg.Path, store.PebbleOptions{NoSync: cfg.NoSync})
		if err != nil {
			return nil, nil, err
		}
		return ps, ps, nil
	case "none":
		return store.NoopStore{}, nopCloser{}, nil
	default:
		return store.NewMemStore(), nopCloser{}, nil
	}
}

func run(ctx context.Context, cfg *config.Config, dir string) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	ctx = lg.Attach(ctx, mediasched.NewTaskLogger(log))

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	srcFS := afero.NewOsFs()
	opts.SourceFS = srcFS
	opts.SourceRoot = root
	opts.Logger = log

	st, stClose, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, stClose.Close()) }()
	opts.Store = st

	if cfg.Sink.DSN != "" {
		sink, serr := store.OpenSQLiteSink(ctx, cfg.Sink.DSN)
		if serr != nil {
			return serr
		}
		defer func() { err = multierr.Append(err, sink.Close()) }()
		opts.Sink = sink
	}

	if cfg.Gate.IndexFlagFile != "" {
		flag, ferr := mediasched.NewFileFlag(cfg.Gate.IndexFlagFile, log.Named("flag"))
		if ferr != nil {
			return ferr
		}
		opts.IndexFlag = flag
	}

	prom := mediasched.NewPromMetrics(cfg.Metrics.Namespace)
	reg := prometheus.NewRegistry()
	if err := prom.Register(reg); err != nil {
		return err
	}
	opts.Metrics = prom

	bus := mediasched.NewBus(log.Named("events"))
	bus.Subscribe(mediasched.EventPermanentFailure, func(e mediasched.Event) {
		log.Warn("permanent failure", zap.String("task", e.Key), zap.Error(e.Err))
	})
	opts.Events = bus

	sched, err := mediasched.New(opts, hashTransform(srcFS, root))
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, sched.Close(cctx))
	}()

	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(serr))
		}
	}()
	defer srv.Close()

	go report(ctx, sched, log)

	n, err := backfill(ctx, sched, srcFS, root)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("backfill enqueued", zap.Int("tasks", n), zap.String("root", root))

	<-ctx.Done()
	return nil
}

// backfill walks root and enqueues every regular file as a batch task,
// yielding to the admission gate every few files.
func backfill(ctx context.Context, sched *mediasched.Scheduler[fileJob], fsys afero.Fs, root string) (int, error) {
	n := 0
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if n%gateEvery == 0 {
			if err := sched.Gate(ctx, backfillJob, mediasched.GateOptions{CheckInterval: time.Second}); err != nil {
				return err
			}
		}
		key, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		task := mediasched.Task[fileJob]{
			Key:     key,
			Class:   mediasched.Batch,
			Version: info.ModTime().UnixNano(),
			Payload: fileJob{Size: info.Size()},
		}
		for {
			err := sched.TryEnqueue(task)
			if !errors.Is(err, mediasched.ErrQueueFull) {
				if err == nil {
					n++
				} else {
					lg.FromContext(ctx).Debug("backfill task rejected", lg.String("task", key), lg.Error("error", err))
				}
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(enqueueRetryWait):
			}
		}
		return nil
	})
	return n, err
}

// hashTransform stands in for a real media transform: it hashes the
// source file.
func hashTransform(fsys afero.Fs, root string) mediasched.TransformFunc[fileJob] {
	return func(ctx context.Context, req mediasched.Request[fileJob]) (mediasched.Outcome, error) {
		f, err := fsys.Open(filepath.Join(root, req.Task.Key))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return mediasched.Outcome{Skipped: true}, nil
			}
			return mediasched.Outcome{}, err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return mediasched.Outcome{}, err
		}
		lg.FromContext(ctx).Info("transformed",
			lg.String("task", req.Task.Key),
			lg.String("sha256", fmt.Sprintf("%x", h.Sum(nil))),
			lg.String("preset", req.Hints.Preset))
		return mediasched.Outcome{Success: true}, nil
	}
}

func report(ctx context.Context, sched *mediasched.Scheduler[fileJob], log *zap.Logger) {
	ticker := time.NewTicker(reportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := sched.GetMetrics(ctx)
			mode := sched.GetMode()
			log.Info("scheduler",
				zap.Int("queued", m.Queued),
				zap.Int("processing", m.Processing),
				zap.Int("pending", m.Pending),
				zap.Uint64("generated", m.Generated),
				zap.Uint64("failures", m.Failures),
				zap.Uint64("permanent_failures", m.PermanentFailures),
				zap.Uint64("retries", m.Retries),
				zap.Stringer("mode", mode.Mode),
				zap.Int("pool", sched.Pool().Size()))
		}
	}
}
