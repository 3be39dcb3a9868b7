package task

import (
	"fmt"
	"runtime"
	"sync"
)

// Pool is a token-bounded worker pool for background computations. At most
// maxWorkers units of work run at a time; excess work parks on its goroutine
// until a slot frees up.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most maxWorkers units of work at a time.
// A non-positive maxWorkers defaults to the number of CPUs.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, maxWorkers)}
}

// Go schedules fn on a worker goroutine. Submission never blocks; the work
// itself waits for a free slot before running, so callers on the main loop
// can hand off work without stalling.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		p.sem <- struct{}{}
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until all in-flight units of work have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Start runs fn on a pool worker and returns a Future for its result. A panic
// inside fn is captured as the task's error; if the task is canceled before
// the worker picks it up, fn never runs and the task finishes canceled. When
// fn observes cancellation and returns early, whatever it returns is
// discarded and the task finishes canceled.
func Start[T any](pool *Pool, fn func(p *Promise[T]) (T, error)) *Future[T] {
	pr, fut := NewPromise[T]()
	pool.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				if pr.s.IsFinished() {
					// Programmer error (e.g. double finish); don't mask it.
					panic(r)
				}
				pr.s.finish(nil, fmt.Errorf("task: panic during execution: %v", r))
			}
		}()
		if pr.IsCanceled() {
			pr.s.finish(nil, ErrCanceled)
			return
		}
		v, err := fn(pr)
		if err != nil {
			pr.SetError(err)
			return
		}
		pr.SetResult(v)
	})
	return fut
}
