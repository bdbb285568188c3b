package mediasched

// reportInternalError reports an internal pool error.
//
// Internal errors are non-task failures such as a worker that could not
// be pinned to its CPU. If no handler is registered, the error is
// silently ignored.
func (p *WorkerPool[P]) reportInternalError(err error) {
	if p.opts.OnInternalError != nil {
		p.opts.OnInternalError(err)
	}
}

// reportTaskError reports a failed run, including worker crashes.
//
// Task errors never stop the scheduler; the result handler has already
// turned them into a retry or a permanent failure.
func (s *Scheduler[P]) reportTaskError(key string, err error) {
	if s.opts.OnTaskError != nil {
		s.opts.OnTaskError(key, err)
	}
}

// reportInternalError reports a failure of the scheduler's own machinery.
func (s *Scheduler[P]) reportInternalError(err error) {
	if s.opts.OnInternalError != nil {
		s.opts.OnInternalError(err)
	}
}
