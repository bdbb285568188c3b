package mediasched

import (
	"context"
	"fmt"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"
)

// zapTaskLogger carries a component logger in task contexts.
type zapTaskLogger struct{ l *zap.Logger }

// NewTaskLogger adapts l to the context logger read by workers and
// transforms through lg.FromContext. A nil l discards.
func NewTaskLogger(l *zap.Logger) lg.ZLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapTaskLogger{l: l}
}

func (z zapTaskLogger) Info(msg string, fields ...lg.Field)  { z.l.Info(msg, fields...) }
func (z zapTaskLogger) Error(msg string, fields ...lg.Field) { z.l.Error(msg, fields...) }
func (z zapTaskLogger) Debug(msg string, fields ...lg.Field) { z.l.Debug(msg, fields...) }
func (z zapTaskLogger) Warn(msg string, fields ...lg.Field)  { z.l.Warn(msg, fields...) }
func (z zapTaskLogger) Sync() error                          { return z.l.Sync() }
func (z zapTaskLogger) With(fields ...lg.Field) lg.ZLogger {
	return zapTaskLogger{l: z.l.With(fields...)}
}

// execute runs one request on w. A panic in the transform kills the
// worker: the caller receives ErrWorkerCrashed and the goroutine exits.
func (p *WorkerPool[P]) execute(w *worker[P], r poolRequest[P]) (crashed bool) {
	logger := lg.FromContext(r.ctx).With(
		lg.String("task", r.req.Task.Key),
		lg.String("worker", w.id),
	)

	ctx := r.ctx
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("worker crashed", lg.Any("panic", rec))
			r.reply <- poolReply{err: fmt.Errorf("%w: %v", ErrWorkerCrashed, rec), crashed: true}
			crashed = true
		}
	}()

	out, err := p.fn(ctx, r.req)
	if err != nil {
		logger.Warn("transform failed", lg.Any("error", err))
	}
	r.reply <- poolReply{out: out, err: err}
	return false
}
