package task

// Promise is the exclusive producer handle over a task's shared state. There
// is at most one logical writer sequence per State: the producer sets either
// a result or an error exactly once. Setting a value on an already-canceled
// task silently discards the value but still finishes the task.
type Promise[T any] struct {
	s *State
}

// NewPromise creates a new running task and returns its producer and
// consumer handles.
func NewPromise[T any]() (*Promise[T], *Future[T]) {
	s := NewState()
	return &Promise[T]{s: s}, &Future[T]{s: s}
}

// State exposes the shared task state, e.g. for progress reporting and
// cancellation polling inside the unit of work.
func (p *Promise[T]) State() *State { return p.s }

// IsCanceled reports whether cancellation has been requested. Producers are
// expected to poll this at natural loop boundaries.
func (p *Promise[T]) IsCanceled() bool { return p.s.IsCanceled() }

// SetResult finishes the task with v and wakes all waiters. It is a
// programmer error to finish a non-canceled task twice.
func (p *Promise[T]) SetResult(v T) {
	p.s.finish(v, nil)
}

// SetError finishes the task with err and wakes all waiters.
func (p *Promise[T]) SetError(err error) {
	p.s.finish(nil, err)
}

// SetProgressMaximum sets the maximum progress value of the active step.
func (p *Promise[T]) SetProgressMaximum(maximum int64) {
	p.s.SetProgressMaximum(maximum)
}

// SetProgressValue sets the progress value and reports whether the task is
// still live.
func (p *Promise[T]) SetProgressValue(value int64) bool {
	return p.s.SetProgressValue(value)
}

// SetProgressText changes the status text of the task.
func (p *Promise[T]) SetProgressText(text string) {
	p.s.SetProgressText(text)
}
