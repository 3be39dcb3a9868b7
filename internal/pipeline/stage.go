package pipeline

import (
	"errors"
	"log/slog"

	"github.com/seantiz/strata/internal/task"
)

// ErrStaleResults marks engine results that were computed from inputs that
// have changed since the engine was created. Stale results are discarded
// silently and the evaluation is retried with fresh inputs.
var ErrStaleResults = errors.New("pipeline: engine results are stale")

// ErrNotApplicable fails an evaluation whose input lacks the data the stage
// operates on. The hosting node raises it when IsApplicableTo reports false,
// synchronously and before any background work starts; CreateEngine may also
// return it (wrapped) for finer-grained preconditions.
var ErrNotApplicable = errors.New("pipeline: stage is not applicable to its input")

// EvalRequest describes one evaluation of a pipeline node.
type EvalRequest struct {
	// Time is the frame time the result is requested for.
	Time Time
}

// StageContext gives stage and engine code access to its hosting node. It is
// handed to CreateEngine on the main loop and to EmitResults when results are
// applied.
type StageContext struct {
	node   *StageNode
	logger *slog.Logger
}

// Logger returns a logger scoped to the hosting stage.
func (c *StageContext) Logger() *slog.Logger { return c.logger }

// StageName returns the hosting stage's name.
func (c *StageContext) StageName() string { return c.node.stage.Name() }

// Stage is a user-implemented pipeline transformation. A stage holds
// parameters only; all per-evaluation state lives in the engines it creates.
//
// CreateEngine runs on the main loop. It must validate its preconditions
// synchronously and return an error (wrapping ErrNotApplicable where that is
// the cause) without starting any background work when they fail. On success
// it returns a future engine; most stages return an already-finished future,
// but a stage may resolve it asynchronously, e.g. after loading reference
// data.
type Stage interface {
	// Name identifies the stage in logs, metrics, and status messages.
	Name() string

	// IsApplicableTo reports whether the stage can operate on the given
	// input. The hosting node consults it before CreateEngine and fails the
	// evaluation with ErrNotApplicable when it returns false, so stages need
	// not re-check it themselves.
	IsApplicableTo(input *FlowState) bool

	// CreateEngine captures an immutable snapshot of the stage's parameters
	// and input into a new engine.
	CreateEngine(req EvalRequest, sctx *StageContext, input *FlowState) (*task.Future[Engine], error)
}

// Engine is one self-contained computation created by a stage. Perform runs
// on a worker goroutine and must touch only the snapshot captured at creation
// time; EmitResults runs back on the main loop and writes the computed data
// into the output state.
type Engine interface {
	// Perform executes the computation. It should poll op.IsCanceled() (or
	// use the progress setters, which report cancellation) at reasonable
	// intervals and return early when canceled. op is also the engine's
	// channel for progress reporting.
	Perform(op *task.State) error

	// EmitResults merges the computed results into output. It runs on the
	// main loop only after the framework has verified that the inputs the
	// engine was created from are still current. Returning ErrStaleResults
	// (wrapped or not) triggers a silent re-evaluation instead of a failure.
	EmitResults(t Time, sctx *StageContext, output *FlowState) error
}
