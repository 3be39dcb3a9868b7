// Package loop implements the single-threaded cooperative main loop that
// drives the interactive program, plus owner-bound executors that marshal
// task continuations onto it. Whichever goroutine runs the loop is the
// program's main thread; nested pumps (PumpUntil) re-enter the same queue so
// that already-posted work keeps making progress during a synchronous wait.
package loop

import (
	"context"
	"sync"
)

// Loop is a FIFO work queue pumped by a single goroutine. Post is safe from
// any goroutine; Run, PumpUntil, and Drain must all be called from the same
// goroutine, which becomes the cooperative main thread.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn for execution on the loop goroutine. Functions run in
// posting order.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue, reporting whether one was available.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Pending returns the number of queued functions.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run processes posted work until ctx is done. It blocks when the queue is
// empty and is the ordinary top-level driver of the loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		if fn, ok := l.next(); ok {
			fn()
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return
		}
	}
}

// PumpUntil processes posted work until stop reports true, blocking on the
// queue in between. It is the nested, reentrant counterpart of Run: calling
// it from inside a running callback suspends the outer pump without losing
// queued work. A receive on interrupt aborts the pump; PumpUntil reports
// whether it was interrupted. A nil interrupt channel never fires.
func (l *Loop) PumpUntil(stop func() bool, interrupt <-chan struct{}) bool {
	for {
		if stop() {
			return false
		}
		if fn, ok := l.next(); ok {
			fn()
			continue
		}
		select {
		case <-l.wake:
		case <-interrupt:
			return true
		}
	}
}

// Drain processes queued work until the queue is empty, including work posted
// by the processed functions themselves. It returns the number of functions
// run. Intended for tests and shutdown paths; it never blocks.
func (l *Loop) Drain() int {
	n := 0
	for {
		fn, ok := l.next()
		if !ok {
			return n
		}
		fn()
		n++
	}
}
