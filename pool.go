package mediasched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Run after Close.
	ErrPoolClosed = errors.New("mediasched: pool closed")

	// ErrWorkerCrashed is returned by Run when the worker died mid-task.
	ErrWorkerCrashed = errors.New("mediasched: worker crashed")
)

const (
	respawnInitial = 50 * time.Millisecond
	respawnMax     = 5 * time.Second
)

// PoolOptions configure a WorkerPool.
type PoolOptions struct {
	// Target is the size the pool converges to on first demand.
	Target      int
	IdleTimeout time.Duration
	TaskTimeout time.Duration
	PinWorkers  bool
	Logger      *zap.Logger

	// OnSize is called with the live worker count after every change.
	OnSize          func(n int)
	OnInternalError func(err error)
}

type poolReply struct {
	out     Outcome
	err     error
	crashed bool
}

type poolRequest[P any] struct {
	ctx   context.Context
	req   Request[P]
	reply chan poolReply
}

type worker[P any] struct {
	id   string
	cpu  int
	reqs chan poolRequest[P]
	// retired workers are no longer counted by the pool and exit after
	// their current run.
	retired bool
}

// WorkerPool owns a resizable set of transform workers.
//
// The pool starts empty and spawns workers lazily on first demand. Each
// worker is a goroutine with a private request channel; a run occupies
// exactly one worker. All state is guarded by mu.
type WorkerPool[P any] struct {
	mu   sync.Mutex
	fn   TransformFunc[P]
	opts PoolOptions
	log  *zap.Logger

	target  int
	desired int
	workers []*worker[P]
	idle    []*worker[P]
	busy    int
	closed  bool

	// changed is closed and replaced whenever a worker may have become
	// available.
	changed chan struct{}

	idleTimer *time.Timer
	idleGen   uint64

	crashes   int
	nextDelay func() time.Duration
	nextCPU   int
}

// NewWorkerPool returns an empty pool running fn.
func NewWorkerPool[P any](fn TransformFunc[P], opts PoolOptions) *WorkerPool[P] {
	if opts.Target <= 0 {
		opts.Target = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &WorkerPool[P]{
		fn:      fn,
		opts:    opts,
		log:     opts.Logger,
		target:  opts.Target,
		changed: make(chan struct{}),
	}
	p.resetBackoff()
	return p
}

func (p *WorkerPool[P]) resetBackoff() {
	bo := boff.New(respawnInitial, respawnMax, time.Now().UnixNano())
	p.nextDelay = func() time.Duration { return bo.Next() }
}

// Target returns the size the pool converges to on demand.
func (p *WorkerPool[P]) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Size returns the number of live workers.
func (p *WorkerPool[P]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Desired returns the current desired size; zero while torn down.
func (p *WorkerPool[P]) Desired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// Busy returns the number of runs in progress.
func (p *WorkerPool[P]) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// SetTarget changes the convergence size. A live pool is resized right
// away; a torn-down pool picks the new size up on the next Ensure.
func (p *WorkerPool[P]) SetTarget(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
	if p.desired > 0 && p.desired != n {
		p.resizeLocked(n)
	}
}

// Ensure spawns workers up to the target size. It is a no-op when the
// pool is already live.
func (p *WorkerPool[P]) Ensure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	if p.desired == 0 {
		p.log.Debug("pool ensure", zap.Int("target", p.target))
		p.resizeLocked(p.target)
	}
	return len(p.workers)
}

// Resize converges the pool to target workers and returns the live count.
//
// Zero tears the pool down. Shrinking terminates idle workers first;
// busy workers finish their current run before exiting.
func (p *WorkerPool[P]) Resize(target int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	if target <= 0 {
		p.teardownLocked()
		return 0
	}
	p.target = target
	p.resizeLocked(target)
	return len(p.workers)
}

// Destroy tears the pool down. The next Run or Ensure re-creates it.
func (p *WorkerPool[P]) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

// Close tears the pool down permanently.
func (p *WorkerPool[P]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.teardownLocked()
}

// Run executes req on a free worker and waits for the outcome.
//
// Run blocks until a worker is free or ctx is done. Once handed to a
// worker the run is not cancelled; ctx is passed to the transform. If the
// worker crashes, the returned error wraps ErrWorkerCrashed.
func (p *WorkerPool[P]) Run(ctx context.Context, req Request[P]) (Outcome, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return Outcome{}, err
	}
	reply := make(chan poolReply, 1)
	w.reqs <- poolRequest[P]{ctx: ctx, req: req, reply: reply}
	r := <-reply
	p.release(w, r.crashed)
	return r.out, r.err
}

func (p *WorkerPool[P]) acquire(ctx context.Context) (*worker[P], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.desired == 0 {
			p.resizeLocked(p.target)
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.busy++
			p.stopIdleTimerLocked()
			p.mu.Unlock()
			return w, nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *WorkerPool[P]) release(w *worker[P], crashed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy--

	switch {
	case crashed:
		p.crashes++
		p.removeLocked(w)
		if !w.retired && !p.closed && len(p.workers) < p.desired {
			p.scheduleRespawnLocked()
		}
	case w.retired:
		close(w.reqs)
	case len(p.workers) > p.desired:
		p.removeLocked(w)
		close(w.reqs)
	default:
		p.crashes = 0
		p.idle = append(p.idle, w)
	}
	p.notifyLocked()
	if p.busy == 0 {
		p.armIdleTimerLocked()
	}
}

func (p *WorkerPool[P]) scheduleRespawnLocked() {
	if p.crashes <= 1 {
		p.resetBackoff()
		p.spawnLocked()
		return
	}
	delay := p.nextDelay()
	p.log.Warn("worker crash loop, delaying respawn",
		zap.Int("consecutive_crashes", p.crashes), zap.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		for len(p.workers) < p.desired {
			p.spawnLocked()
		}
		p.notifyLocked()
	})
}

func (p *WorkerPool[P]) resizeLocked(n int) {
	p.desired = n
	for len(p.workers) < n {
		p.spawnLocked()
	}
	for len(p.workers) > n && len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.removeLocked(w)
		close(w.reqs)
	}
	p.reportSizeLocked()
	p.notifyLocked()
	if p.busy == 0 {
		p.armIdleTimerLocked()
	}
}

func (p *WorkerPool[P]) teardownLocked() {
	p.desired = 0
	for _, w := range p.idle {
		w.retired = true
		close(w.reqs)
	}
	for _, w := range p.workers {
		w.retired = true
	}
	p.idle = nil
	p.workers = nil
	p.stopIdleTimerLocked()
	p.reportSizeLocked()
	p.notifyLocked()
}

func (p *WorkerPool[P]) spawnLocked() {
	w := &worker[P]{
		id:   uuid.NewString(),
		cpu:  p.nextCPU % runtime.NumCPU(),
		reqs: make(chan poolRequest[P]),
	}
	p.nextCPU++
	p.workers = append(p.workers, w)
	p.idle = append(p.idle, w)
	p.reportSizeLocked()
	go p.runWorker(w)
}

func (p *WorkerPool[P]) removeLocked(w *worker[P]) {
	for i, x := range p.workers {
		if x == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	for i, x := range p.idle {
		if x == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.reportSizeLocked()
}

func (p *WorkerPool[P]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *WorkerPool[P]) reportSizeLocked() {
	if p.opts.OnSize != nil {
		p.opts.OnSize(len(p.workers))
	}
}

func (p *WorkerPool[P]) armIdleTimerLocked() {
	if p.desired == 0 || p.closed {
		return
	}
	p.stopIdleTimerLocked()
	gen := p.idleGen
	p.idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() { p.idleExpired(gen) })
}

func (p *WorkerPool[P]) stopIdleTimerLocked() {
	p.idleGen++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *WorkerPool[P]) idleExpired(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.idleGen || p.busy > 0 || p.desired == 0 {
		return
	}
	p.log.Info("idle timeout, tearing pool down",
		zap.Int("workers", len(p.workers)), zap.Duration("idle", p.opts.IdleTimeout))
	p.teardownLocked()
}

func (p *WorkerPool[P]) runWorker(w *worker[P]) {
	if p.opts.PinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinToCPU(w.cpu); err != nil {
			p.reportInternalError(fmt.Errorf("worker %s: %w", w.id, err))
		}
	}
	for r := range w.reqs {
		if crashed := p.execute(w, r); crashed {
			return
		}
	}
}
