package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/seantiz/strata/internal/history"
	"github.com/seantiz/strata/internal/loop"
	"github.com/seantiz/strata/internal/task"
)

// ErrNotPermitted is the error a task is failed with when a synchronous wait
// is requested inside a declared non-reentrant section (for example while a
// frame is being rendered), where entering a nested loop is not allowed.
var ErrNotPermitted = errors.New("manager: operation not permitted in a non-reentrant section")

// Manager is the registry of running background tasks for one session. It
// watches each registered task, republishes its notifications on the main
// loop, and provides the reentrant synchronous wait primitive. All methods
// except RegisterTask and RunningTasks must be called on the loop goroutine;
// a Manager's lifetime is bound to its owning session and Close asserts that
// no task is still running.
type Manager struct {
	loop    *loop.Loop
	logger  *slog.Logger
	broker  *Broker
	journal history.Store

	// mu guards watchers for off-loop snapshot readers (the monitor API).
	// All mutation happens on the loop goroutine.
	mu       sync.Mutex
	watchers []*Watcher

	// Loop-confined state.
	byState        map[*task.State]*Watcher
	localLoopDepth int
	loopEntries    int
	nonReentrant   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistory makes the manager journal finished tasks into h.
func WithHistory(h history.Store) Option {
	return func(m *Manager) { m.journal = h }
}

// New creates a task manager bound to the given loop.
func New(l *loop.Loop, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		loop:    l,
		logger:  logger,
		broker:  NewBroker(),
		byState: make(map[*task.State]*Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Broker returns the manager's notification broker for subscription by
// progress indicators and the monitor API.
func (m *Manager) Broker() *Broker { return m.broker }

// RegisterTask registers a task with the manager. It is safe to call from
// any goroutine: the registration itself is marshaled asynchronously onto the
// main loop. Registering the same task twice is a no-op.
func (m *Manager) RegisterTask(s *task.State) {
	m.loop.Post(func() { m.register(s) })
}

// register creates (or returns) the watcher for s. Loop goroutine only.
func (m *Manager) register(s *task.State) *Watcher {
	if w, ok := m.byState[s]; ok {
		return w
	}

	w := newWatcher(s)
	m.byState[s] = w
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	tasksRunning.Inc()
	m.logger.Debug("task registered", "task_id", s.ID())
	m.broker.Publish(Notification{Kind: NoteTaskStarted, TaskID: s.ID()})

	// Republish task events on the loop so that all observer state is
	// mutated from the main thread only.
	s.AddListener(func(ev task.Event) {
		m.loop.Post(func() { m.handleEvent(w, ev) })
	})
	return w
}

// handleEvent processes one task event on the loop goroutine.
func (m *Manager) handleEvent(w *Watcher, ev task.Event) {
	id := w.state.ID()
	switch ev.Kind {
	case task.EventProgressValue:
		w.setProgress(ev.Value, ev.Maximum)
		m.broker.Publish(Notification{Kind: NoteProgress, TaskID: id, Value: ev.Value, Maximum: ev.Maximum})
	case task.EventProgressText:
		w.setProgressText(ev.Text)
		m.broker.Publish(Notification{Kind: NoteProgressText, TaskID: id, Text: ev.Text})
	case task.EventCanceled:
		m.broker.Publish(Notification{Kind: NoteTaskCanceled, TaskID: id})
	case task.EventFinished:
		if !w.markFinished() {
			return
		}
		m.remove(w)
		m.finishNotification(w)
	}
}

// remove deletes w from the registry. Loop goroutine only.
func (m *Manager) remove(w *Watcher) {
	delete(m.byState, w.state)
	m.mu.Lock()
	for i, other := range m.watchers {
		if other == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	tasksRunning.Dec()
}

// finishNotification publishes the finish outcome and journals the task.
func (m *Manager) finishNotification(w *Watcher) {
	s := w.state
	err := s.Err()
	canceled := s.IsCanceled()
	outcome := history.OutcomeSuccess
	errMsg := ""
	switch {
	case canceled:
		outcome = history.OutcomeCanceled
		if err != nil && !errors.Is(err, task.ErrCanceled) {
			errMsg = err.Error()
		}
	case err != nil:
		outcome = history.OutcomeError
		errMsg = err.Error()
	}

	tasksFinishedTotal.WithLabelValues(outcome).Inc()
	m.logger.Debug("task finished", "task_id", s.ID(), "outcome", outcome)
	m.broker.Publish(Notification{
		Kind:     NoteTaskFinished,
		TaskID:   s.ID(),
		Canceled: canceled,
		Failed:   outcome == history.OutcomeError,
		Error:    errMsg,
	})

	if m.journal == nil {
		return
	}
	info := w.Snapshot()
	rec := &history.Record{
		ID:         s.ID(),
		Text:       info.ProgressText,
		Outcome:    outcome,
		Error:      errMsg,
		DurationMS: time.Since(w.startedAt).Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	// Journaling is off the critical path; never block the loop on the
	// database.
	go func() {
		if err := m.journal.Append(context.Background(), rec); err != nil {
			m.logger.Error("failed to journal finished task", "task_id", rec.ID, "error", err)
		}
	}()
}

// RunningTasks returns the currently registered, unfinished watchers in
// start order. Safe to call from any goroutine.
func (m *Manager) RunningTasks() []*Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Watcher, len(m.watchers))
	copy(out, m.watchers)
	return out
}

// WaitForTask blocks until the task finishes, pumping the main loop so that
// already-queued work keeps making progress. It returns true iff the task
// finished without cancellation. Loop goroutine only; this is the single
// sanctioned place where the main thread blocks.
func (m *Manager) WaitForTask(s *task.State) bool {
	return m.WaitForTaskDependent(s, nil)
}

// WaitForTaskDependent is WaitForTask with an optional dependent task: if the
// dependent gets canceled while waiting, the wait aborts and returns false.
func (m *Manager) WaitForTaskDependent(s, dependent *task.State) bool {
	// Fast path: no nested loop is entered for an already-finished task.
	if s.IsFinished() {
		return !s.IsCanceled()
	}
	if dependent != nil && dependent.IsCanceled() {
		return false
	}

	// Nested loops are forbidden in declared non-reentrant sections. Fail
	// the task with a distinct error instead of blocking.
	if m.nonReentrant > 0 {
		m.logger.Warn("synchronous wait refused in non-reentrant section", "task_id", s.ID())
		s.Abort(ErrNotPermitted)
		return false
	}

	m.register(s)
	if dependent != nil {
		m.register(dependent)
		// Wake the pump when the dependent gets canceled; the stop
		// condition below picks it up.
		dependent.AddListener(func(ev task.Event) {
			if ev.Kind == task.EventCanceled {
				m.loop.Post(func() {})
			}
		})
	}

	// Scoped best-effort interrupt: a user abort (Ctrl+C) while waiting
	// cancels everything and returns failure immediately.
	interrupt := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	stopForwarder := make(chan struct{})
	go func() {
		select {
		case <-sig:
			close(interrupt)
		case <-stopForwarder:
		}
	}()
	defer func() {
		signal.Stop(sig)
		close(stopForwarder)
	}()

	m.loopEntries++
	nestedWaitsTotal.Inc()
	m.StartLocalEventHandling()
	interrupted := m.loop.PumpUntil(func() bool {
		return s.IsFinished() || (dependent != nil && dependent.IsCanceled())
	}, interrupt)
	m.StopLocalEventHandling()

	if interrupted {
		m.logger.Info("wait interrupted by user", "task_id", s.ID())
		m.CancelAll()
		return false
	}
	if dependent != nil && dependent.IsCanceled() {
		return false
	}
	if !s.IsFinished() {
		// Should not normally happen: the pump only exits on the
		// conditions checked above.
		m.logger.Warn("nested wait exited with unfinished task, force-canceling", "task_id", s.ID())
		s.Cancel()
		return false
	}
	return !s.IsCanceled()
}

// CancelAll requests cancellation on every running registered task. It does
// not wait for them to finish.
func (m *Manager) CancelAll() {
	for _, w := range m.RunningTasks() {
		w.Cancel()
	}
}

// WaitForAll pumps the loop until no registered task is running. Bounded
// only by actual task completion. Loop goroutine only.
func (m *Manager) WaitForAll() {
	m.StartLocalEventHandling()
	m.loop.PumpUntil(func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.watchers) == 0
	}, nil)
	m.StopLocalEventHandling()
}

// CancelAllAndWait cancels every running task and drains the loop until all
// of them have honored the cancellation. Loop goroutine only.
func (m *Manager) CancelAllAndWait() {
	m.CancelAll()
	m.WaitForAll()
}

// StartLocalEventHandling marks entry into a reentrant wait. Calls are
// balanced and nest. Loop goroutine only.
func (m *Manager) StartLocalEventHandling() {
	m.localLoopDepth++
}

// StopLocalEventHandling marks exit from a reentrant wait. Loop goroutine
// only.
func (m *Manager) StopLocalEventHandling() {
	if m.localLoopDepth <= 0 {
		panic("manager: unbalanced StopLocalEventHandling")
	}
	m.localLoopDepth--
}

// InLocalEventLoop reports whether the manager is inside at least one
// reentrant wait. Other subsystems use this to decide whether to process or
// defer posted continuations. Loop goroutine only.
func (m *Manager) InLocalEventLoop() bool { return m.localLoopDepth > 0 }

// LocalEventLoopDepth returns the current reentrancy depth. Loop goroutine
// only.
func (m *Manager) LocalEventLoopDepth() int { return m.localLoopDepth }

// BeginNonReentrantSection declares a critical section in which synchronous
// waits are refused (e.g. active frame rendering). Calls are balanced and
// nest. Loop goroutine only.
func (m *Manager) BeginNonReentrantSection() {
	m.nonReentrant++
}

// EndNonReentrantSection leaves a critical section opened with
// BeginNonReentrantSection. Loop goroutine only.
func (m *Manager) EndNonReentrantSection() {
	if m.nonReentrant <= 0 {
		panic("manager: unbalanced EndNonReentrantSection")
	}
	m.nonReentrant--
}

// Close shuts the manager down. Calling Close while tasks are still running
// is a programmer error: cancel and drain first (CancelAllAndWait).
func (m *Manager) Close() {
	if n := len(m.RunningTasks()); n > 0 {
		panic(fmt.Sprintf("manager: Close called with %d task(s) still running", n))
	}
	m.broker.Close()
}
