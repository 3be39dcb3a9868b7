package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/seantiz/strata/internal/loop"
	"github.com/seantiz/strata/internal/manager"
	"github.com/seantiz/strata/internal/task"
)

// Node is one element of a pipeline graph that can be evaluated at a time.
// Evaluate must be called on the main loop goroutine and returns a shared
// future so multiple consumers can join an in-flight evaluation.
type Node interface {
	Evaluate(req EvalRequest) *task.SharedFuture[*FlowState]

	// Revision is a monotone counter that changes whenever the node's output
	// may have changed (own parameters or anything upstream). Safe from any
	// goroutine.
	Revision() uint64
}

// inflightEval tracks one evaluation in progress for a specific time. rev is
// the node's full revision when the evaluation started; a later revision means
// the evaluation can no longer be joined.
type inflightEval struct {
	future *task.SharedFuture[*FlowState]
	rev    uint64
}

// StageNode hosts one Stage inside a pipeline, owning its result cache and
// orchestrating the engine protocol: evaluate upstream, create an engine,
// run it on the worker pool, and apply its results back on the main loop if
// the inputs are still current. All fields except revision are confined to
// the loop goroutine.
type StageNode struct {
	stage    Stage
	upstream Node
	owner    *loop.Owner
	pool     *task.Pool
	logger   *slog.Logger
	tasks    *manager.Manager

	revision atomic.Uint64

	cache *StateCache
	sctx  *StageContext

	// Loop-confined evaluation bookkeeping. revSeen is the node's full
	// revision (own parameters plus upstream) at the last input capture.
	revSeen       uint64
	inputFP       map[Time]Fingerprint
	inflight      map[Time]*inflightEval
	evalsInFlight int
	status        Status
}

// NodeOption configures a StageNode.
type NodeOption func(*StageNode)

// WithTaskManager registers each engine run with m, making it visible to
// progress observers and cancellable through CancelAll.
func WithTaskManager(m *manager.Manager) NodeOption {
	return func(n *StageNode) { n.tasks = m }
}

// NewStageNode creates a node hosting stage, fed by upstream. Continuations
// are marshaled through owner's loop; engines run on pool.
func NewStageNode(stage Stage, upstream Node, owner *loop.Owner, pool *task.Pool, logger *slog.Logger, opts ...NodeOption) *StageNode {
	n := &StageNode{
		stage:    stage,
		upstream: upstream,
		owner:    owner,
		pool:     pool,
		logger:   logger.With("stage", stage.Name()),
		cache:    NewStateCache(),
		inputFP:  make(map[Time]Fingerprint),
		inflight: make(map[Time]*inflightEval),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.sctx = &StageContext{node: n, logger: n.logger}
	return n
}

// Revision implements Node. It reflects both the node's own parameter changes
// and everything upstream.
func (n *StageNode) Revision() uint64 {
	return n.revision.Load() + n.upstream.Revision()
}

// NotifyChanged invalidates all cached results after the stage's parameters
// changed. Loop goroutine only.
func (n *StageNode) NotifyChanged() {
	n.revision.Add(1)
	n.cache.InvalidateAll()
	clear(n.inputFP)
}

// Status returns the stage's current evaluation status. While an evaluation
// is in flight it reports Pending. Loop goroutine only.
func (n *StageNode) Status() Status {
	if n.evalsInFlight > 0 {
		return Status{Kind: StatusPending}
	}
	return n.status
}

// CacheLen returns the number of cached results. Safe from any goroutine.
func (n *StageNode) CacheLen() int { return n.cache.Len() }

// Evaluate implements Node. A cached result that is still valid is returned
// as an already-finished future without creating an engine; an in-flight
// evaluation for the same time and node revision is joined instead of
// duplicated. Loop goroutine only.
func (n *StageNode) Evaluate(req EvalRequest) *task.SharedFuture[*FlowState] {
	name := n.stage.Name()
	if st, ok := n.lookupCache(req.Time); ok {
		cacheHitsTotal.WithLabelValues(name).Inc()
		return task.SharedFromValue(st)
	}
	cacheMissesTotal.WithLabelValues(name).Inc()

	if fl, ok := n.inflight[req.Time]; ok && fl.rev == n.Revision() && !fl.future.IsFinished() {
		return fl.future.Clone()
	}

	pr, fut := task.NewPromise[*FlowState]()
	sh := fut.Share()
	// A superseded evaluation loses its registry handle so that releasing the
	// remaining consumer handles still cancels it.
	if old, ok := n.inflight[req.Time]; ok {
		old.future.Release()
	}
	n.inflight[req.Time] = &inflightEval{future: sh, rev: n.Revision()}
	n.evalsInFlight++
	n.startEvaluation(req, pr)
	return sh.Clone()
}

// lookupCache returns a cached result for t if it is still trustworthy: the
// node's full revision must be unchanged since the cache was filled (the
// cheap check, covering both parameter and upstream changes), the entry's
// validity interval must contain t, and the recorded input fingerprint must
// match.
func (n *StageNode) lookupCache(t Time) (*FlowState, bool) {
	if n.Revision() != n.revSeen {
		return nil, false
	}
	e, ok := n.cache.Lookup(t)
	if !ok || !e.validity.Contains(t) {
		return nil, false
	}
	if fp, ok := n.inputFP[t]; ok && fp != e.fingerprint {
		return nil, false
	}
	return e.state, true
}

// startEvaluation kicks off (or restarts, after a stale result) the
// evaluation chain for req, settling pr when done. Loop goroutine only.
func (n *StageNode) startEvaluation(req EvalRequest, pr *task.Promise[*FlowState]) {
	upFut := n.upstream.Evaluate(EvalRequest{Time: req.Time})
	upFut.Finally(n.owner, func() {
		n.continueWithInput(req, pr, upFut)
	})
}

// continueWithInput runs once the upstream result is available.
func (n *StageNode) continueWithInput(req EvalRequest, pr *task.Promise[*FlowState], upFut *task.SharedFuture[*FlowState]) {
	if pr.IsCanceled() {
		upFut.Release()
		n.finishEvaluation(req, pr, nil, task.ErrCanceled)
		return
	}
	input, err := upFut.Result()
	upFut.Release()
	if err != nil {
		n.finishEvaluation(req, pr, nil, err)
		return
	}
	if !n.stage.IsApplicableTo(input) {
		n.finishEvaluation(req, pr, nil, ErrNotApplicable)
		return
	}

	// rev pins the inputs this engine will compute from: both the data
	// fingerprint and the node's parameters as of now. applyResults rejects
	// the results if either moved in the meantime.
	rev := n.Revision()
	n.revSeen = rev
	fp := ComputeFingerprint(input.Data())
	n.inputFP[req.Time] = fp

	engFut, err := n.stage.CreateEngine(req, n.sctx, input)
	if err != nil {
		n.finishEvaluation(req, pr, nil, err)
		return
	}
	engFut.Finally(n.owner, func() {
		n.launchEngine(req, pr, input, fp, rev, engFut)
	})
}

// launchEngine runs the created engine on the worker pool and arranges for
// its results to be applied back on the loop.
func (n *StageNode) launchEngine(req EvalRequest, pr *task.Promise[*FlowState], input *FlowState, fp Fingerprint, rev uint64, engFut *task.Future[Engine]) {
	if pr.IsCanceled() {
		engFut.Cancel()
		n.finishEvaluation(req, pr, nil, task.ErrCanceled)
		return
	}
	eng, err := engFut.Result()
	if err != nil {
		n.finishEvaluation(req, pr, nil, err)
		return
	}

	performFut := task.Start(n.pool, func(p *task.Promise[struct{}]) (struct{}, error) {
		p.SetProgressText(n.stage.Name())
		return struct{}{}, eng.Perform(p.State())
	})
	if n.tasks != nil {
		n.tasks.RegisterTask(performFut.State())
	}
	// Propagate consumer cancellation down to the running engine.
	pr.State().AddListener(func(ev task.Event) {
		if ev.Kind == task.EventCanceled {
			performFut.Cancel()
		}
	})
	performFut.Finally(n.owner, func() {
		n.applyResults(req, pr, input, fp, rev, eng, performFut)
	})
}

// applyResults runs on the loop after Perform finished. It rejects results
// whose inputs changed during computation and retries with fresh inputs;
// current results are written into a clone of the input state and cached.
func (n *StageNode) applyResults(req EvalRequest, pr *task.Promise[*FlowState], input *FlowState, fp Fingerprint, rev uint64, eng Engine, performFut *task.Future[struct{}]) {
	_, err := performFut.Result()
	switch {
	case performFut.IsCanceled() || errors.Is(err, task.ErrCanceled):
		n.finishEvaluation(req, pr, nil, task.ErrCanceled)
		return
	case err != nil:
		n.finishEvaluation(req, pr, nil, err)
		return
	}

	// Stale if the node's parameters or anything upstream changed since the
	// engine snapshotted its inputs, or if another evaluation recorded a
	// different fingerprint for this time.
	if n.Revision() != rev {
		n.discardStale(req, pr)
		return
	}
	if cur, ok := n.inputFP[req.Time]; ok && cur != fp {
		n.discardStale(req, pr)
		return
	}

	output := input.Clone()
	output.SetStatus(Status{Kind: StatusSuccess})
	if err := eng.EmitResults(req.Time, n.sctx, output); err != nil {
		if errors.Is(err, ErrStaleResults) {
			n.discardStale(req, pr)
			return
		}
		n.finishEvaluation(req, pr, nil, err)
		return
	}
	output.IntersectValidity(input.Validity())

	n.cache.Store(req.Time, output, fp)
	n.finishEvaluation(req, pr, output, nil)
}

// discardStale drops a stale engine's results and re-runs the evaluation for
// the same promise with fresh inputs. Not an error: consumers only ever see
// the eventual up-to-date result.
func (n *StageNode) discardStale(req EvalRequest, pr *task.Promise[*FlowState]) {
	staleResultsTotal.WithLabelValues(n.stage.Name()).Inc()
	n.logger.Debug("discarding stale engine results", "time", req.Time)
	if pr.IsCanceled() {
		n.finishEvaluation(req, pr, nil, task.ErrCanceled)
		return
	}
	n.startEvaluation(req, pr)
}

// finishEvaluation settles pr, updates the stage status, and cleans up the
// in-flight bookkeeping. A canceled evaluation leaves the previous status
// untouched so a still-valid earlier result stays presentable.
func (n *StageNode) finishEvaluation(req EvalRequest, pr *task.Promise[*FlowState], out *FlowState, err error) {
	name := n.stage.Name()
	n.evalsInFlight--
	if fl, ok := n.inflight[req.Time]; ok && fl.future.State() == pr.State() {
		delete(n.inflight, req.Time)
		fl.future.Release()
	}

	switch {
	case errors.Is(err, task.ErrCanceled):
		evaluationsTotal.WithLabelValues(name, "canceled").Inc()
		pr.State().Abort(task.ErrCanceled)
	case err != nil:
		n.status = ErrorStatus(err)
		evaluationsTotal.WithLabelValues(name, "error").Inc()
		n.logger.Warn("stage evaluation failed", "time", req.Time, "error", err)
		pr.SetError(fmt.Errorf("stage %q: %w", name, err))
	default:
		n.status = out.Status()
		evaluationsTotal.WithLabelValues(name, "success").Inc()
		pr.SetResult(out)
	}
}
