package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// ErrCanceled is returned by Result when a task was canceled before it
// produced a value. Cancellation is distinct from computation errors: a
// canceled task never exposes a stale result.
var ErrCanceled = errors.New("task: canceled")

// NewID generates a new ULID string for use as a task identifier.
func NewID() string {
	return ulid.Make().String()
}

// EventKind enumerates the notifications a State emits to its listeners.
type EventKind int

const (
	// EventFinished fires exactly once when the task enters the finished state.
	EventFinished EventKind = iota
	// EventCanceled fires exactly once when cancellation is first requested.
	EventCanceled
	// EventProgressValue fires when the reported progress value or maximum changes.
	EventProgressValue
	// EventProgressText fires when the progress text changes.
	EventProgressText
)

// Event is a notification delivered to listeners registered on a State.
// Value and Maximum carry the total progress for EventProgressValue; Text
// carries the new status text for EventProgressText.
type Event struct {
	Kind    EventKind
	Value   int64
	Maximum int64
	Text    string
}

// Executor runs continuation functions in some execution context: inline on
// the completing goroutine, or marshaled onto a cooperative loop. An executor
// bound to a destroyed owner silently discards the function.
type Executor interface {
	Execute(fn func())
}

// Inline is an Executor that runs functions synchronously on the calling
// goroutine. It is intended for pure data-transform chaining inside
// background work.
var Inline Executor = inlineExecutor{}

type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }

// totalProgressScale is the fixed progress range used while a sub-step
// sequence is active.
const totalProgressScale = 1000

// State is the shared state machine behind a Promise/Future pair. It is
// created running, is safe for concurrent use from producer and consumer
// goroutines, and finishes exactly once. Both the finished and the canceled
// flags are monotone.
type State struct {
	mu sync.Mutex
	id string

	finished bool
	canceled bool
	result   any
	err      error

	progressValue   int64
	progressMaximum int64
	progressText    string
	progressSkipped int

	subStepWeights  []int
	subStepIndex    int
	completedWeight int
	totalWeight     int

	shareCount int

	continuations []func()
	listeners     []func(Event)

	done chan struct{}
}

// NewState creates a new shared task state in the running state: progress
// 0/0, not canceled, not finished, with a single consumer reference.
func NewState() *State {
	return &State{
		id:         NewID(),
		shareCount: 1,
		done:       make(chan struct{}),
	}
}

// ID returns the task's unique identifier.
func (s *State) ID() string { return s.id }

// IsFinished reports whether the task has finished. Once true it never
// reverts.
func (s *State) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// IsCanceled reports whether cancellation has been requested. Once true it
// never reverts.
func (s *State) IsCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Done returns a channel that is closed when the task finishes.
func (s *State) Done() <-chan struct{} { return s.done }

// Cancel requests cooperative cancellation. It is idempotent, may be called
// by any holder from any goroutine, and does not itself finish the task: the
// producer is expected to observe the flag and finish within bounded time.
func (s *State) Cancel() {
	s.mu.Lock()
	if s.canceled || s.finished {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Event{Kind: EventCanceled})
}

// Abort cancels the task and finishes it immediately with the given error.
// Unlike Cancel it does not wait for the producer: any result or error the
// producer sets afterwards is silently discarded. Result returns err rather
// than ErrCanceled, keeping the failure condition distinguishable.
func (s *State) Abort(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	firstCancel := !s.canceled
	s.canceled = true
	s.finished = true
	s.err = err
	listeners := s.snapshotListeners()
	continuations := s.continuations
	s.continuations = nil
	s.mu.Unlock()

	close(s.done)
	if firstCancel {
		notify(listeners, Event{Kind: EventCanceled})
	}
	notify(listeners, Event{Kind: EventFinished})
	for _, c := range continuations {
		c()
	}
}

// finish moves the task into the finished state, storing either a result or
// an error. If the task was canceled beforehand the value is discarded but
// the task still finishes, waking all waiters. Finishing a non-canceled task
// twice is a programmer error.
func (s *State) finish(result any, err error) {
	s.mu.Lock()
	if s.finished {
		if s.canceled {
			// The producer lost a race with an Abort; discard quietly.
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		panic(fmt.Sprintf("task: result set on already-finished task %s", s.id))
	}
	s.finished = true
	if !s.canceled {
		s.result = result
		s.err = err
	}
	listeners := s.snapshotListeners()
	continuations := s.continuations
	s.continuations = nil
	s.mu.Unlock()

	close(s.done)
	notify(listeners, Event{Kind: EventFinished})
	for _, c := range continuations {
		c()
	}
}

// Result returns the untyped result of a finished task. Calling it before the
// task has finished is a programmer error. A canceled task yields ErrCanceled
// unless it was aborted with a more specific error.
func (s *State) Result() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		panic(fmt.Sprintf("task: result read before task %s finished", s.id))
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.canceled {
		return nil, ErrCanceled
	}
	return s.result, nil
}

// Err returns the error of a finished task, or nil on success. Like Result it
// must not be called before the task has finished.
func (s *State) Err() error {
	_, err := s.Result()
	return err
}

// OnFinished registers a continuation that runs exactly once on the given
// executor after the task finishes, regardless of success, error, or
// cancellation. Continuations run in attachment order. If the task has
// already finished, the continuation is still dispatched asynchronously,
// never inside the attaching call.
func (s *State) OnFinished(ex Executor, fn func()) {
	dispatch := func() { ex.Execute(fn) }
	s.mu.Lock()
	if !s.finished {
		s.continuations = append(s.continuations, dispatch)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go dispatch()
}

// AddListener registers a callback for task events. Listeners are invoked
// synchronously on whichever goroutine triggers the event and must not block;
// observers that live on a cooperative loop should post to it. Terminal events
// are replayed to late registrants: a listener attached after cancellation
// immediately receives EventCanceled, and one attached after the task finished
// immediately receives EventFinished, so no cancellation or completion is ever
// lost to a registration race.
func (s *State) AddListener(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	canceled := s.canceled
	finished := s.finished
	s.mu.Unlock()
	if canceled {
		fn(Event{Kind: EventCanceled})
	}
	if finished {
		fn(Event{Kind: EventFinished})
	}
}

func (s *State) snapshotListeners() []func(Event) {
	out := make([]func(Event), len(s.listeners))
	copy(out, s.listeners)
	return out
}

func notify(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

// retain increments the number of consumer handles referencing this state.
func (s *State) retain() {
	s.mu.Lock()
	s.shareCount++
	s.mu.Unlock()
}

// release decrements the consumer reference count. When the last consumer
// handle is released the task is canceled, since nobody can observe its
// result anymore.
func (s *State) release() {
	s.mu.Lock()
	s.shareCount--
	last := s.shareCount == 0 && !s.finished
	s.mu.Unlock()
	if last {
		s.Cancel()
	}
}
