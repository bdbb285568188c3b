package mediasched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Andrej220/go-utils/mediasched/store"
	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const storeSweepJob = "store-sweep"

// ModeInfo is returned by Scheduler.GetMode.
type ModeInfo struct {
	Mode    Mode
	Forced  bool
	Profile Profile
	Sample  ResourceSample
	Boost   int
}

// Scheduler runs media transforms for two priority classes on an
// adaptively sized worker pool.
//
// A Scheduler wires the dispatcher, the worker pool, the adaptive
// controller, the auto boost loop, the retry coordinator, the admission
// gate and the result handler. Enqueue works before Start; Start runs the
// background loops.
type Scheduler[P any] struct {
	opts Options
	log  *zap.Logger

	metrics *AtomicMetrics
	pool    *WorkerPool[P]
	disp    *Dispatcher[P]
	ctrl    *AdaptiveController
	boost   *AutoBoost
	retry   *RetryCoordinator
	locker  *Locker
	gate    *AdmissionGate
	lag     *LagMonitor
	results *ResultHandler[P]
	keys    *KeyValidator

	mu      sync.Mutex
	level   int
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	started bool
	closed  bool
}

// New builds a scheduler running transform.
func New[P any](opts Options, transform TransformFunc[P]) (*Scheduler[P], error) {
	if transform == nil {
		return nil, errors.New("mediasched: nil transform")
	}
	opts.FillDefaults()
	log := opts.Logger

	s := &Scheduler[P]{
		opts:    opts,
		log:     log,
		metrics: &AtomicMetrics{},
	}
	var metrics MetricsPolicy = s.metrics
	if _, noop := opts.Metrics.(*NoopMetrics); !noop {
		metrics = teeMetrics{a: s.metrics, b: opts.Metrics}
	}

	s.keys = NewKeyValidator(opts.SourceFS, opts.SourceRoot)

	s.pool = NewWorkerPool(transform, PoolOptions{
		Target:          opts.MaxWorkers,
		IdleTimeout:     opts.IdleTimeout,
		TaskTimeout:     opts.TaskTimeout,
		PinWorkers:      opts.PinWorkers,
		Logger:          log.Named("pool"),
		OnSize:          metrics.SetPoolSize,
		OnInternalError: s.reportInternalError,
	})

	s.ctrl = NewAdaptiveController(opts.Sampler, ControllerOptions{
		Interval:   opts.AdaptiveInterval,
		MaxWorkers: opts.MaxWorkers,
		Thresholds: opts.Thresholds,
		Profiles:   opts.Profiles,
		ForcedMode: opts.ForcedMode,
		Store:      opts.Store,
		Metrics:    metrics,
		Logger:     log.Named("adaptive"),
		OnProfile:  func(Profile) { s.resize() },
	})

	s.retry = NewRetryCoordinator(opts.Store, opts.RetryTTL, log.Named("retry"))
	s.locker = NewLocker(opts.Store, log.Named("lock"))
	s.lag = NewLagMonitor(0)
	s.gate = NewAdmissionGate(s.ctrl, opts.IndexFlag, s.lag, s.locker, GateConfig{
		CacheTTL:     opts.HeavyCacheTTL,
		LagThreshold: opts.LagThreshold,
		Logger:       log.Named("gate"),
	})

	s.results = NewResultHandler[P](s.retry, opts.Store, opts.Sink, opts.Events, s.keys, metrics, ResultOptions{
		MaxRetries:      opts.MaxRetries,
		RetryBase:       opts.RetryBase,
		RetryMax:        opts.RetryMax,
		PoisonThreshold: opts.PoisonThreshold,
		PoisonSignature: opts.PoisonSignature,
		FailedMarkerTTL: opts.FailedMarkerTTL,
		FlushChunk:      opts.FlushChunk,
		FlushInterval:   opts.FlushInterval,
		Logger:          log.Named("results"),
		OnTaskError:     s.reportTaskError,
	})

	s.disp = NewDispatcher(s.pool, DispatcherOptions{
		InteractiveCapacity: opts.InteractiveCapacity,
		BatchCapacity:       opts.BatchCapacity,
		ReservedInteractive: opts.ReservedInteractive,
		StaleTaskTTL:        opts.StaleTaskTTL,
		Metrics:             metrics,
		Logger:              log.Named("dispatch"),
	})
	s.disp.SetContext(s.taskContext(context.Background()))
	s.disp.validate = s.keys.Validate
	s.disp.failed = s.results.IsPermanentlyFailed
	s.disp.handle = s.results.Handle
	s.disp.hints = func() Hints { return s.ctrl.Current().Hints() }
	s.results.SetRequeue(s.disp.Requeue)

	backlog := opts.Backlog
	if backlog == nil {
		backlog = s.disp
	}
	s.boost = NewAutoBoost(backlog, BoostOptions{
		Interval:  opts.BoostInterval,
		Cooldown:  opts.BoostCooldown,
		HighWater: opts.HighWater,
		LowWater:  opts.LowWater,
		Ceiling:   s.ceiling,
		Current:   s.pool.Target,
		Heavy:     s.gate.IsHeavy,
		Demand:    func() bool { return !s.disp.Idle() },
		Apply:     s.applyBoost,
		Logger:    log.Named("boost"),
	})

	// Initial sizing before the first tick; the pool stays empty until
	// work arrives.
	s.pool.SetTarget(s.target(s.ctrl.Current()))
	return s, nil
}

// taskContext attaches the worker logger read by lg.FromContext.
func (s *Scheduler[P]) taskContext(ctx context.Context) context.Context {
	return lg.Attach(ctx, NewTaskLogger(s.log.Named("worker")))
}

// ceiling is the hard limit for boosted sizes.
func (s *Scheduler[P]) ceiling() int {
	cpus := s.ctrl.LastSample().CPUCount
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	return min(cpus, s.opts.MaxWorkers)
}

// target combines the profile with the boost level. A low-mode profile
// ignores the boost.
func (s *Scheduler[P]) target(p Profile) int {
	s.mu.Lock()
	level := s.level
	s.mu.Unlock()
	n := max(p.MaxConcurrency, 1)
	if p.Mode != ModeLow && level > n {
		n = min(level, max(s.ceiling(), n))
	}
	return n
}

func (s *Scheduler[P]) resize() {
	s.pool.SetTarget(s.target(s.ctrl.Current()))
	s.disp.Kick()
}

func (s *Scheduler[P]) applyBoost(level int, drain bool) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
	if drain && s.disp.Idle() {
		s.pool.Resize(0)
		return
	}
	s.resize()
}

// Start runs the background loops until Close or ctx is done.
func (s *Scheduler[P]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	// Dispatched runs are never cancelled mid-flight; Close waits for them.
	s.disp.SetContext(s.taskContext(context.WithoutCancel(ctx)))
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg = conc.NewWaitGroup()

	s.wg.Go(func() { s.ctrl.Run(ctx) })
	s.wg.Go(func() { s.boost.Run(ctx) })
	s.wg.Go(func() { s.disp.RunStaleSweep(ctx, staleSweepEvery(s.opts.StaleTaskTTL)) })
	s.wg.Go(func() { s.results.Run(ctx) })
	s.wg.Go(func() { s.lag.Run(ctx) })
	if r, ok := s.opts.IndexFlag.(interface{ Run(context.Context) }); ok {
		s.wg.Go(func() { r.Run(ctx) })
	}
	if sw, ok := s.opts.Store.(store.Sweeper); ok {
		s.wg.Go(func() {
			s.gate.Schedule(ctx, storeSweepJob, s.opts.StoreSweepInterval, func(ctx context.Context) error {
				n, err := sw.Sweep(ctx)
				if err != nil {
					return err
				}
				s.log.Debug("store sweep", zap.Int("expired", n))
				return nil
			}, RunOptions{})
		})
	}
	s.log.Info("scheduler started",
		zap.Int("max_workers", s.opts.MaxWorkers),
		zap.Int("reserved_interactive", s.opts.ReservedInteractive),
		zap.Stringer("forced_mode", s.opts.ForcedMode))
	return nil
}

func staleSweepEvery(ttl time.Duration) time.Duration {
	return min(max(ttl/4, time.Second), 5*time.Minute)
}

// Close stops the loops, waits for in-flight runs (bounded by ctx),
// flushes statuses and destroys the pool.
func (s *Scheduler[P]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, wg := s.cancel, s.wg
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if rec := wg.WaitAndRecover(); rec != nil {
			perr := fmt.Errorf("background loop panicked: %w", rec.AsError())
			s.reportInternalError(perr)
			err = multierr.Append(err, perr)
		}
	}
	err = multierr.Append(err, s.disp.Close(ctx))
	err = multierr.Append(err, s.results.Close(ctx))
	s.pool.Close()
	s.log.Info("scheduler closed", zap.Error(err))
	return err
}

// TryEnqueue submits t. See Dispatcher.TryEnqueue for the rejections.
func (s *Scheduler[P]) TryEnqueue(t Task[P]) error { return s.disp.TryEnqueue(t) }

// Enqueue submits t and reports whether it was accepted.
func (s *Scheduler[P]) Enqueue(t Task[P]) bool { return s.disp.Enqueue(t) }

// GetMetrics returns the current counters. Pending counts queued, running
// and retry-delayed tasks, or comes from the backlog counter when one is
// configured.
func (s *Scheduler[P]) GetMetrics(ctx context.Context) Metrics {
	m := s.metrics.Snapshot()
	st := s.disp.Stats()
	m.Queued = st.Queued()
	m.Processing = st.Active()
	m.Pending = m.Queued + m.Processing + s.results.PendingRetries()
	if s.opts.Backlog != nil {
		if n, err := s.opts.Backlog.Backlog(ctx); err == nil {
			m.Pending = n
		}
	}
	return m
}

// GetMode returns the adaptive mode and its profile.
func (s *Scheduler[P]) GetMode() ModeInfo {
	p := s.ctrl.Current()
	return ModeInfo{
		Mode:    p.Mode,
		Forced:  s.ctrl.ForcedMode() != ModeAuto,
		Profile: p,
		Sample:  s.ctrl.LastSample(),
		Boost:   s.boost.Level(),
	}
}

// SetForcedMode pins the adaptive mode; ModeAuto releases it.
func (s *Scheduler[P]) SetForcedMode(ctx context.Context, m Mode) Profile {
	return s.ctrl.SetForcedMode(ctx, m)
}

// IsHeavy reports the admission gate decision.
func (s *Scheduler[P]) IsHeavy(ctx context.Context) bool { return s.gate.IsHeavy(ctx) }

// Gate blocks until the system is not heavy. See AdmissionGate.Gate.
func (s *Scheduler[P]) Gate(ctx context.Context, jobName string, opts GateOptions) error {
	return s.gate.Gate(ctx, jobName, opts)
}

// RunWhenIdle runs fn once idle and holding the job lock.
func (s *Scheduler[P]) RunWhenIdle(ctx context.Context, jobName string, fn func(ctx context.Context) error, opts RunOptions) *IdleJob {
	return s.gate.RunWhenIdle(ctx, jobName, fn, opts)
}

// ResetFailure clears the permanent-failure marker of key.
func (s *Scheduler[P]) ResetFailure(ctx context.Context, key string) error {
	return s.results.ResetFailure(ctx, key)
}

// Flush writes buffered statuses now.
func (s *Scheduler[P]) Flush(ctx context.Context) error { return s.results.Flush(ctx) }

func (s *Scheduler[P]) Pool() *WorkerPool[P]            { return s.pool }
func (s *Scheduler[P]) Dispatcher() *Dispatcher[P]      { return s.disp }
func (s *Scheduler[P]) Controller() *AdaptiveController { return s.ctrl }
func (s *Scheduler[P]) AdmissionGate() *AdmissionGate   { return s.gate }
func (s *Scheduler[P]) Boost() *AutoBoost               { return s.boost }
func (s *Scheduler[P]) Retries() *RetryCoordinator      { return s.retry }
func (s *Scheduler[P]) Results() *ResultHandler[P]      { return s.results }
