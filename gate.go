package mediasched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"go.uber.org/zap"
)

// ErrMaxWait is returned by Gate when the wait ceiling is reached while
// the system is still heavy.
var ErrMaxWait = errors.New("mediasched: gate wait ceiling reached")

const (
	defaultCheckInterval = 5 * time.Second
	defaultLockTTL       = 10 * time.Minute
	defaultRearmInterval = 30 * time.Second
)

// HeavyReason explains an IsHeavy decision.
type HeavyReason string

const (
	ReasonNone         HeavyReason = "none"
	ReasonIndexRebuild HeavyReason = "index_rebuild"
	ReasonLoad         HeavyReason = "load"
	ReasonMemory       HeavyReason = "memory"
	ReasonLoopLag      HeavyReason = "loop_lag"
)

// GateOptions configure a blocking Gate call.
type GateOptions struct {
	CheckInterval time.Duration
	// MaxWait bounds the wait. Zero waits until ctx is done.
	MaxWait time.Duration
}

// RunOptions configure RunWhenIdle and Schedule.
type RunOptions struct {
	CheckInterval time.Duration
	LockTTL       time.Duration
	// RearmInterval is the delay after a failed run or a lost lock race.
	RearmInterval time.Duration
	// RearmMax above RearmInterval switches to a jittered delay growing
	// from RearmInterval up to RearmMax.
	RearmMax time.Duration
}

func (o *RunOptions) fillDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = defaultCheckInterval
	}
	if o.LockTTL <= 0 {
		o.LockTTL = defaultLockTTL
	}
	if o.RearmInterval <= 0 {
		o.RearmInterval = defaultRearmInterval
	}
	if o.RearmMax < o.RearmInterval {
		o.RearmMax = o.RearmInterval
	}
}

// GateConfig configure an AdmissionGate.
type GateConfig struct {
	CacheTTL     time.Duration
	LagThreshold time.Duration
	Logger       *zap.Logger
}

// AdmissionGate decides whether the system is heavy and holds back
// background work until it is not.
type AdmissionGate struct {
	ctrl   *AdaptiveController
	flag   IndexFlag
	lag    LagSource
	locker *Locker
	cfg    GateConfig
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	heavy  bool
	reason HeavyReason
	at     time.Time
}

// NewAdmissionGate combines the index flag, the controller's thresholds
// and the lag source. flag and lag may be nil.
func NewAdmissionGate(ctrl *AdaptiveController, flag IndexFlag, lag LagSource, locker *Locker, cfg GateConfig) *AdmissionGate {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultHeavyCacheTTL
	}
	if cfg.LagThreshold <= 0 {
		cfg.LagThreshold = DefaultLagThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if flag == nil {
		flag = &StaticFlag{}
	}
	if lag == nil {
		lag = &StaticLag{}
	}
	if locker == nil {
		locker = NewLocker(nil, cfg.Logger)
	}
	return &AdmissionGate{
		ctrl:   ctrl,
		flag:   flag,
		lag:    lag,
		locker: locker,
		cfg:    cfg,
		log:    cfg.Logger,
		now:    time.Now,
		reason: ReasonNone,
	}
}

// IsHeavy reports whether background work should yield. The decision is
// cached for the configured TTL.
func (g *AdmissionGate) IsHeavy(ctx context.Context) bool {
	g.mu.Lock()
	if !g.at.IsZero() && g.now().Sub(g.at) < g.cfg.CacheTTL {
		heavy := g.heavy
		g.mu.Unlock()
		return heavy
	}
	g.mu.Unlock()

	reason := g.evaluate(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if reason != g.reason {
		g.log.Debug("heavy signal changed",
			zap.String("from", string(g.reason)), zap.String("to", string(reason)))
	}
	g.heavy = reason != ReasonNone
	g.reason = reason
	g.at = g.now()
	return g.heavy
}

// HeavyReason returns the reason behind the last IsHeavy decision.
func (g *AdmissionGate) HeavyReason() HeavyReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Invalidate drops the cached decision.
func (g *AdmissionGate) Invalidate() {
	g.mu.Lock()
	g.at = time.Time{}
	g.mu.Unlock()
}

func (g *AdmissionGate) evaluate(ctx context.Context) HeavyReason {
	if g.flag.Active() {
		return ReasonIndexRebuild
	}
	if g.ctrl != nil {
		s, class, err := g.ctrl.Sample(ctx)
		switch {
		case err != nil:
			g.log.Debug("heavy check sample failed", zap.Error(err))
		case class == LoadHeavy:
			t := g.ctrl.Thresholds()
			if s.Load1 > float64(max(s.CPUCount, 1))*t.HeavyLoadFactor {
				return ReasonLoad
			}
			return ReasonMemory
		}
	}
	if g.lag.Lag() > g.cfg.LagThreshold {
		return ReasonLoopLag
	}
	return ReasonNone
}

// Gate blocks until the system is not heavy. It returns ErrMaxWait when
// opts.MaxWait elapses first, or the context error.
func (g *AdmissionGate) Gate(ctx context.Context, jobName string, opts GateOptions) error {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if !g.IsHeavy(ctx) {
		return nil
	}

	var deadline <-chan time.Time
	if opts.MaxWait > 0 {
		t := time.NewTimer(opts.MaxWait)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(opts.CheckInterval)
	defer ticker.Stop()

	g.log.Debug("job waiting for idle", zap.String("job", jobName), zap.String("reason", string(g.HeavyReason())))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			g.log.Info("gate wait ceiling reached", zap.String("job", jobName), zap.Duration("max_wait", opts.MaxWait))
			return ErrMaxWait
		case <-ticker.C:
			if !g.IsHeavy(ctx) {
				return nil
			}
		}
	}
}

// JobState is the state of an idle-gated job.
type JobState int32

const (
	JobIdle JobState = iota
	JobWaitingForIdle
	JobLockAcquisition
	JobRunning
)

func (s JobState) String() string {
	switch s {
	case JobWaitingForIdle:
		return "waiting_for_idle"
	case JobLockAcquisition:
		return "lock_acquisition"
	case JobRunning:
		return "running"
	default:
		return "idle"
	}
}

// IdleJob is a function waiting to run once the system is idle and the
// job lock is held.
type IdleJob struct {
	name   string
	state  atomic.Int32
	runs   atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the job name.
func (j *IdleJob) Name() string { return j.name }

// State returns the current state.
func (j *IdleJob) State() JobState { return JobState(j.state.Load()) }

// Runs returns how many times fn was invoked.
func (j *IdleJob) Runs() int { return int(j.runs.Load()) }

// Done is closed when the job completed or was stopped.
func (j *IdleJob) Done() <-chan struct{} { return j.done }

// Stop abandons the job. A running fn sees its context cancelled.
func (j *IdleJob) Stop() { j.cancel() }

func (j *IdleJob) set(s JobState) { j.state.Store(int32(s)) }

// RunWhenIdle runs fn once the system is not heavy and the lock for
// jobName is acquired. A failed run or a lost lock race re-arms the job
// after RearmInterval; the job never gives up until ctx is done.
func (g *AdmissionGate) RunWhenIdle(ctx context.Context, jobName string, fn func(ctx context.Context) error, opts RunOptions) *IdleJob {
	opts.fillDefaults()
	ctx, cancel := context.WithCancel(ctx)
	j := &IdleJob{name: jobName, cancel: cancel, done: make(chan struct{})}
	go g.runJob(ctx, j, fn, opts)
	return j
}

func (g *AdmissionGate) runJob(ctx context.Context, j *IdleJob, fn func(ctx context.Context) error, opts RunOptions) {
	defer close(j.done)
	defer j.set(JobIdle)
	defer j.cancel()

	log := g.log.With(zap.String("job", j.name))
	next := func() time.Duration { return opts.RearmInterval }
	if opts.RearmMax > opts.RearmInterval {
		bo := boff.New(opts.RearmInterval, opts.RearmMax, time.Now().UnixNano())
		next = bo.Next
	}
	rearm := func() bool {
		t := time.NewTimer(next())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for {
		j.set(JobWaitingForIdle)
		if err := g.Gate(ctx, j.name, GateOptions{CheckInterval: opts.CheckInterval}); err != nil {
			return
		}

		j.set(JobLockAcquisition)
		lease, ok, err := g.locker.Acquire(ctx, j.name, opts.LockTTL)
		if err != nil {
			log.Warn("job lock acquisition failed, skipping cycle", zap.Error(err))
		}
		if !ok {
			if !rearm() {
				return
			}
			continue
		}

		j.set(JobRunning)
		j.runs.Add(1)
		err = safeRun(ctx, fn)
		if rerr := g.locker.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			log.Warn("job lock release failed", zap.Error(rerr))
		}
		if err == nil {
			return
		}
		log.Warn("job failed, re-arming", zap.Error(err))
		if !rearm() {
			return
		}
	}
}

func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Schedule runs fn through RunWhenIdle every period until ctx is done.
// A cycle that has not finished when the next period starts delays it.
func (g *AdmissionGate) Schedule(ctx context.Context, jobName string, every time.Duration, fn func(ctx context.Context) error, opts RunOptions) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j := g.RunWhenIdle(ctx, jobName, fn, opts)
			<-j.Done()
		}
	}
}
