package loop

import "sync/atomic"

// Owner is a long-lived execution context bound to a loop. Continuations
// dispatched through an Owner run on the loop goroutine; once the owner is
// destroyed, dispatched continuations are silently discarded, never executed.
// This lets background tasks deliver results to a context that may disappear
// (a closed document, a removed pipeline node) without any error handling at
// the call site.
type Owner struct {
	loop *Loop
	dead atomic.Bool
}

// NewOwner creates a live owner bound to l.
func NewOwner(l *Loop) *Owner {
	return &Owner{loop: l}
}

// Loop returns the loop this owner is bound to.
func (o *Owner) Loop() *Loop { return o.loop }

// Alive reports whether the owner has not been destroyed yet.
func (o *Owner) Alive() bool { return !o.dead.Load() }

// Destroy marks the owner dead. Continuations already queued but not yet run
// are discarded when the loop reaches them.
func (o *Owner) Destroy() { o.dead.Store(true) }

// Execute posts fn onto the owner's loop. Liveness is checked both at
// dispatch time and again when the loop runs the closure, so a continuation
// can never observe a destroyed owner. Owner satisfies the task executor
// contract.
func (o *Owner) Execute(fn func()) {
	if o.dead.Load() {
		return
	}
	o.loop.Post(func() {
		if o.dead.Load() {
			return
		}
		fn()
	})
}
