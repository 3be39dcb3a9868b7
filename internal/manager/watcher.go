package manager

import (
	"sync"
	"time"

	"github.com/seantiz/strata/internal/task"
)

// TaskInfo is a point-in-time snapshot of a watched task, shaped for
// progress indicators and the monitor API.
type TaskInfo struct {
	ID              string    `json:"id"`
	ProgressValue   int64     `json:"progress_value"`
	ProgressMaximum int64     `json:"progress_maximum"`
	ProgressText    string    `json:"progress_text,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

// Watcher observes one task on behalf of the manager. It caches the latest
// progress so that observers (progress bars, the monitor API) can read a
// consistent snapshot without touching the task state. Watchers are created
// on registration and removed from the registry when the task finishes.
type Watcher struct {
	state     *task.State
	startedAt time.Time

	mu              sync.Mutex
	progressValue   int64
	progressMaximum int64
	progressText    string
	finished        bool
}

func newWatcher(s *task.State) *Watcher {
	return &Watcher{
		state:     s,
		startedAt: time.Now().UTC(),
		// Seed from the task in case progress was reported before
		// registration.
		progressValue:   s.TotalProgressValue(),
		progressMaximum: s.TotalProgressMaximum(),
		progressText:    s.ProgressText(),
	}
}

// State returns the task state this watcher observes.
func (w *Watcher) State() *task.State { return w.state }

// IsFinished reports whether the watched task has finished.
func (w *Watcher) IsFinished() bool { return w.state.IsFinished() }

// IsCanceled reports whether the watched task has been canceled.
func (w *Watcher) IsCanceled() bool { return w.state.IsCanceled() }

// Cancel requests cancellation of the watched task.
func (w *Watcher) Cancel() { w.state.Cancel() }

// Snapshot returns the watcher's current view of the task.
func (w *Watcher) Snapshot() TaskInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return TaskInfo{
		ID:              w.state.ID(),
		ProgressValue:   w.progressValue,
		ProgressMaximum: w.progressMaximum,
		ProgressText:    w.progressText,
		StartedAt:       w.startedAt,
	}
}

func (w *Watcher) setProgress(value, maximum int64) {
	w.mu.Lock()
	w.progressValue = value
	w.progressMaximum = maximum
	w.mu.Unlock()
}

func (w *Watcher) setProgressText(text string) {
	w.mu.Lock()
	w.progressText = text
	w.mu.Unlock()
}

// markFinished flips the watcher's finished flag, reporting whether this was
// the first call.
func (w *Watcher) markFinished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return false
	}
	w.finished = true
	return true
}
