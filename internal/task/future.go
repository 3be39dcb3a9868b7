package task

import (
	"context"
	"errors"
	"fmt"
)

// Future is the single-consumer view over a task's shared state. A Future is
// not clonable; use Share to convert it into a SharedFuture when multiple
// consumers need the result.
type Future[T any] struct {
	s *State
}

// FromValue returns an already-finished Future holding v.
func FromValue[T any](v T) *Future[T] {
	s := NewState()
	s.finish(v, nil)
	return &Future[T]{s: s}
}

// FromError returns an already-finished Future holding err.
func FromError[T any](err error) *Future[T] {
	s := NewState()
	s.finish(nil, err)
	return &Future[T]{s: s}
}

// State exposes the shared task state, e.g. for registration with a task
// manager.
func (f *Future[T]) State() *State { return f.s }

// IsFinished reports whether the underlying task has finished.
func (f *Future[T]) IsFinished() bool { return f.s.IsFinished() }

// IsCanceled reports whether the underlying task has been canceled.
func (f *Future[T]) IsCanceled() bool { return f.s.IsCanceled() }

// Cancel requests cooperative cancellation of the underlying task.
func (f *Future[T]) Cancel() { f.s.Cancel() }

// Done returns a channel that is closed when the task finishes.
func (f *Future[T]) Done() <-chan struct{} { return f.s.Done() }

// Result returns the task's result. It is a programmer error to call Result
// before the task has finished or through a future of the wrong type; a
// canceled task yields ErrCanceled.
func (f *Future[T]) Result() (T, error) {
	return typedResult[T](f.s)
}

// typedResult reads a finished state's result through the future's type.
// A stored value of the wrong type means two differently-typed handles were
// constructed over one state, which silently corrupts results; panic instead
// of returning a zero value as success.
func typedResult[T any](s *State) (T, error) {
	v, err := s.Result()
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("task: result of type %T read through a future of type %T", v, t))
	}
	return t, nil
}

// Wait blocks until the task finishes or ctx is done. It is meant for worker
// goroutines; code on the cooperative main loop must wait through the task
// manager instead.
func (f *Future[T]) Wait(ctx context.Context) error {
	select {
	case <-f.s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finally registers a continuation that runs exactly once on ex after the
// task finishes, regardless of outcome.
func (f *Future[T]) Finally(ex Executor, fn func()) {
	f.s.OnFinished(ex, fn)
}

// Release drops this consumer's reference to the task. When the last
// reference is released before the task finishes, the task is canceled.
func (f *Future[T]) Release() { f.s.release() }

// Share converts the Future into a reference-counted SharedFuture. The
// Future must not be used afterwards.
func (f *Future[T]) Share() *SharedFuture[T] {
	return &SharedFuture[T]{s: f.s}
}

// SharedFuture is a clonable, reference-counted consumer view over a task's
// shared state. Result may be retrieved any number of times.
type SharedFuture[T any] struct {
	s *State
}

// SharedFromValue returns an already-finished SharedFuture holding v.
func SharedFromValue[T any](v T) *SharedFuture[T] {
	return FromValue(v).Share()
}

// Clone returns a new handle to the same task, incrementing its reference
// count.
func (f *SharedFuture[T]) Clone() *SharedFuture[T] {
	f.s.retain()
	return &SharedFuture[T]{s: f.s}
}

// State exposes the shared task state.
func (f *SharedFuture[T]) State() *State { return f.s }

// IsFinished reports whether the underlying task has finished.
func (f *SharedFuture[T]) IsFinished() bool { return f.s.IsFinished() }

// IsCanceled reports whether the underlying task has been canceled.
func (f *SharedFuture[T]) IsCanceled() bool { return f.s.IsCanceled() }

// Cancel requests cooperative cancellation of the underlying task.
func (f *SharedFuture[T]) Cancel() { f.s.Cancel() }

// Done returns a channel that is closed when the task finishes.
func (f *SharedFuture[T]) Done() <-chan struct{} { return f.s.Done() }

// Result returns the task's result. See Future.Result for the contract.
func (f *SharedFuture[T]) Result() (T, error) {
	return typedResult[T](f.s)
}

// Wait blocks until the task finishes or ctx is done.
func (f *SharedFuture[T]) Wait(ctx context.Context) error {
	select {
	case <-f.s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finally registers a continuation that runs exactly once on ex after the
// task finishes, regardless of outcome.
func (f *SharedFuture[T]) Finally(ex Executor, fn func()) {
	f.s.OnFinished(ex, fn)
}

// Release drops this handle's reference to the task. When the last reference
// is released before the task finishes, the task is canceled.
func (f *SharedFuture[T]) Release() { f.s.release() }

// Then chains a continuation onto f that transforms its result into a new
// value. The continuation runs on ex once f finishes, regardless of outcome:
// it receives f's result and error (ErrCanceled if f was canceled) and
// decides how the derived task finishes. Returning ErrCanceled (wrapped or
// not) cancels the derived task; a panic inside fn is captured as the derived
// task's error.
func Then[T, U any](f *Future[T], ex Executor, fn func(T, error) (U, error)) *Future[U] {
	p, out := NewPromise[U]()
	f.s.OnFinished(ex, func() {
		v, err := f.Result()
		settle(p, func() (U, error) { return fn(v, err) })
	})
	return out
}

// ThenShared is Then for a SharedFuture antecedent.
func ThenShared[T, U any](f *SharedFuture[T], ex Executor, fn func(T, error) (U, error)) *Future[U] {
	p, out := NewPromise[U]()
	f.s.OnFinished(ex, func() {
		v, err := f.Result()
		settle(p, func() (U, error) { return fn(v, err) })
	})
	return out
}

// ThenFuture chains a continuation that itself returns a Future. The derived
// task finishes with the inner future's result, flattening the nesting.
func ThenFuture[T, U any](f *Future[T], ex Executor, fn func(T, error) (*Future[U], error)) *Future[U] {
	p, out := NewPromise[U]()
	f.s.OnFinished(ex, func() {
		v, verr := f.Result()
		var inner *Future[U]
		settled := settleErr(p, func() error {
			var err error
			inner, err = fn(v, verr)
			if err == nil && inner == nil {
				err = errors.New("task: continuation returned a nil future")
			}
			return err
		})
		if settled {
			return
		}
		inner.s.OnFinished(Inline, func() {
			u, err := inner.Result()
			settle(p, func() (U, error) { return u, err })
		})
	})
	return out
}

// settle finishes p from the outcome of fn, translating ErrCanceled into
// cancellation and capturing panics as errors.
func settle[U any](p *Promise[U], fn func() (U, error)) {
	defer func() {
		if r := recover(); r != nil {
			p.SetError(fmt.Errorf("task: panic in continuation: %v", r))
		}
	}()
	u, err := fn()
	switch {
	case errors.Is(err, ErrCanceled):
		p.s.Abort(ErrCanceled)
	case err != nil:
		p.SetError(err)
	default:
		p.SetResult(u)
	}
}

// settleErr runs fn and, if it fails or panics, finishes p accordingly. It
// reports whether p was settled.
func settleErr[U any](p *Promise[U], fn func() error) (settled bool) {
	defer func() {
		if r := recover(); r != nil {
			p.SetError(fmt.Errorf("task: panic in continuation: %v", r))
			settled = true
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, ErrCanceled) {
			p.s.Abort(ErrCanceled)
		} else {
			p.SetError(err)
		}
		return true
	}
	return false
}
