package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/strata/internal/loop"
	"github.com/seantiz/strata/internal/task"
)

// testEnv bundles the loop, owner, and pool a node needs. The test goroutine
// acts as the loop goroutine.
type testEnv struct {
	loop  *loop.Loop
	owner *loop.Owner
	pool  *task.Pool
	log   *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := loop.New()
	owner := loop.NewOwner(l)
	t.Cleanup(owner.Destroy)
	return &testEnv{
		loop:  l,
		owner: owner,
		pool:  task.NewPool(4),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// pump drives the loop until s finishes, failing the test on timeout.
func (e *testEnv) pump(t *testing.T, s *task.State) {
	t.Helper()
	timeout := make(chan struct{})
	tm := time.AfterFunc(5*time.Second, func() { close(timeout) })
	defer tm.Stop()
	if e.loop.PumpUntil(s.IsFinished, timeout) {
		t.Fatal("evaluation did not finish in time")
	}
}

// pumpUntilSignal drives the loop until ch fires, failing the test on timeout.
func (e *testEnv) pumpUntilSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	interrupt := make(chan struct{})
	go func() {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for signal")
		}
		close(interrupt)
	}()
	e.loop.PumpUntil(func() bool { return false }, interrupt)
}

// countingSource is a source whose frame data can be swapped out, simulating
// an upstream change.
func countingSource(values *atomic.Pointer[DataCollection]) *SourceNode {
	return NewSourceNode("test-source", func(tm Time) (*DataCollection, TimeInterval, error) {
		return values.Load(), IntervalAt(tm), nil
	})
}

func staticSource(data *DataCollection) *SourceNode {
	return NewSourceNode("test-source", func(tm Time) (*DataCollection, TimeInterval, error) {
		return data, IntervalAt(tm), nil
	})
}

// fakeStage drives a fakeEngine per evaluation.
type fakeStage struct {
	name       string
	applicable bool

	engines      atomic.Int32
	performErr   error
	performGate  chan struct{} // if non-nil, first engine blocks on it
	performBegan chan struct{} // if non-nil, closed when the gated engine starts
	emit         func(output *FlowState) error
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) IsApplicableTo(input *FlowState) bool { return s.applicable }

func (s *fakeStage) CreateEngine(req EvalRequest, sctx *StageContext, input *FlowState) (*task.Future[Engine], error) {
	n := s.engines.Add(1)
	eng := &fakeEngine{stage: s, performErr: s.performErr, emit: s.emit}
	if n == 1 && s.performGate != nil {
		eng.gate = s.performGate
		eng.began = s.performBegan
	}
	return task.FromValue[Engine](eng), nil
}

type fakeEngine struct {
	stage      *fakeStage
	gate       chan struct{}
	began      chan struct{}
	performErr error
	emit       func(output *FlowState) error

	emitted atomic.Bool
}

func (e *fakeEngine) Perform(op *task.State) error {
	if e.began != nil {
		close(e.began)
	}
	if e.gate != nil {
		<-e.gate
	}
	if op.IsCanceled() {
		return task.ErrCanceled
	}
	return e.performErr
}

func (e *fakeEngine) EmitResults(tm Time, sctx *StageContext, output *FlowState) error {
	e.emitted.Store(true)
	if e.emit != nil {
		return e.emit(output)
	}
	output.SetData(output.Data().With(NewDataArray("result", []float64{1})))
	return nil
}

func TestStageNodeEvaluateSuccess(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1, 2})))
	stage := &fakeStage{name: "double", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut.State())

	state, err := fut.Result()
	fut.Release()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if state.Data().Get("result") == nil {
		t.Error("output missing the engine's result array")
	}
	if state.Data().Get("in") == nil {
		t.Error("output lost the upstream input array")
	}
	if state.Status().Kind != StatusSuccess {
		t.Errorf("status = %v, want success", state.Status().Kind)
	}
	if !state.Validity().Contains(0) {
		t.Error("output validity does not contain the requested time")
	}
	if node.Status().Kind != StatusSuccess {
		t.Errorf("node status = %v, want success", node.Status().Kind)
	}
}

func TestStageNodeCachesResults(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	stage := &fakeStage{name: "cached", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut1 := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut1.State())
	first, _ := fut1.Result()
	fut1.Release()

	fut2 := node.Evaluate(EvalRequest{Time: 0})
	if !fut2.IsFinished() {
		t.Fatal("cache hit did not return an already-finished future")
	}
	second, err := fut2.Result()
	fut2.Release()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if first != second {
		t.Error("cache hit returned a different state")
	}
	if got := stage.engines.Load(); got != 1 {
		t.Errorf("engines created = %d, want 1", got)
	}
	if node.CacheLen() != 1 {
		t.Errorf("CacheLen = %d, want 1", node.CacheLen())
	}
}

func TestStageNodeInvalidatesOnUpstreamChange(t *testing.T) {
	env := newTestEnv(t)
	var data atomic.Pointer[DataCollection]
	data.Store(NewDataCollection(NewDataArray("in", []float64{1})))
	src := countingSource(&data)
	stage := &fakeStage{name: "reactive", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut1 := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut1.State())
	fut1.Release()

	data.Store(NewDataCollection(NewDataArray("in", []float64{2})))
	src.NotifyChanged()

	fut2 := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut2.State())
	fut2.Release()

	if got := stage.engines.Load(); got != 2 {
		t.Errorf("engines created = %d, want 2 (upstream change must invalidate)", got)
	}
}

func TestStageNodeNotifyChangedInvalidatesOwnCache(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	stage := &fakeStage{name: "tweakable", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut1 := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut1.State())
	fut1.Release()

	rev := node.Revision()
	node.NotifyChanged()
	if node.Revision() <= rev {
		t.Error("revision did not advance on NotifyChanged")
	}
	if node.CacheLen() != 0 {
		t.Errorf("CacheLen = %d after NotifyChanged, want 0", node.CacheLen())
	}
}

func TestStageNodeRejectsInapplicableInputSynchronously(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection())
	// fakeStage.CreateEngine never checks applicability itself; the node must
	// enforce the precondition before asking for an engine.
	stage := &fakeStage{name: "picky", applicable: false}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut.State())

	_, err := fut.Result()
	fut.Release()
	if !errors.Is(err, ErrNotApplicable) {
		t.Errorf("Result error = %v, want ErrNotApplicable", err)
	}
	if node.Status().Kind != StatusError {
		t.Errorf("node status = %v, want error", node.Status().Kind)
	}
	if got := stage.engines.Load(); got != 0 {
		t.Errorf("engines created = %d, want 0 (precondition failures start no work)", got)
	}
}

func TestStageNodePerformErrorBecomesErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	wantErr := errors.New("numerical instability detected")
	stage := &fakeStage{name: "fragile", applicable: true, performErr: wantErr}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut.State())

	_, err := fut.Result()
	fut.Release()
	if !errors.Is(err, wantErr) {
		t.Errorf("Result error = %v, want wrapped %v", err, wantErr)
	}
	st := node.Status()
	if st.Kind != StatusError {
		t.Fatalf("node status = %v, want error", st.Kind)
	}
	if st.Message == "" {
		t.Error("error status has no message")
	}
	if node.CacheLen() != 0 {
		t.Error("failed evaluation was cached")
	}
}

func TestStageNodeReportsPendingWhileEvaluating(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	gate := make(chan struct{})
	began := make(chan struct{})
	stage := &fakeStage{name: "slow", applicable: true, performGate: gate, performBegan: began}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	if node.Status().Kind != StatusPending {
		t.Errorf("node status = %v during evaluation, want pending", node.Status().Kind)
	}

	env.pumpUntilSignal(t, began)
	close(gate)
	env.pump(t, fut.State())
	fut.Release()

	if node.Status().Kind != StatusSuccess {
		t.Errorf("node status = %v after evaluation, want success", node.Status().Kind)
	}
}

func TestStageNodeCancellationKeepsPreviousStatus(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	stage := &fakeStage{name: "steady", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	// Establish a good result first.
	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut.State())
	fut.Release()

	// Invalidate so the next evaluation does real work, then cancel it
	// before pumping: the evaluation must finish canceled without touching
	// the status.
	node.NotifyChanged()
	fut2 := node.Evaluate(EvalRequest{Time: 0})
	fut2.Cancel()
	env.pump(t, fut2.State())

	_, err := fut2.Result()
	fut2.Release()
	if !errors.Is(err, task.ErrCanceled) {
		t.Errorf("Result error = %v, want ErrCanceled", err)
	}
	if node.Status().Kind != StatusSuccess {
		t.Errorf("node status = %v after cancellation, want the previous success", node.Status().Kind)
	}
}

func TestStageNodeCancellationReachesRunningEngine(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	gate := make(chan struct{})
	began := make(chan struct{})
	stage := &fakeStage{name: "interruptible", applicable: true, performGate: gate, performBegan: began}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pumpUntilSignal(t, began)

	fut.Cancel()
	close(gate)
	env.pump(t, fut.State())

	_, err := fut.Result()
	fut.Release()
	if !errors.Is(err, task.ErrCanceled) {
		t.Errorf("Result error = %v, want ErrCanceled", err)
	}
	if node.CacheLen() != 0 {
		t.Error("canceled evaluation left a cache entry")
	}
}

func TestStageNodeJoinsInFlightEvaluations(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	stage := &fakeStage{name: "shared", applicable: true}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut1 := node.Evaluate(EvalRequest{Time: 0})
	fut2 := node.Evaluate(EvalRequest{Time: 0})
	if fut1.State() != fut2.State() {
		t.Error("second evaluation did not join the in-flight one")
	}

	env.pump(t, fut1.State())
	fut1.Release()
	fut2.Release()

	if got := stage.engines.Load(); got != 1 {
		t.Errorf("engines created = %d, want 1", got)
	}
}

func TestStageNodeDiscardsStaleResults(t *testing.T) {
	env := newTestEnv(t)
	var data atomic.Pointer[DataCollection]
	fresh := func(v float64) *DataCollection {
		return NewDataCollection(NewDataArray("in", []float64{v}))
	}
	data.Store(fresh(1))
	src := countingSource(&data)

	gate := make(chan struct{})
	began := make(chan struct{})
	stage := &fakeStage{name: "racy", applicable: true, performGate: gate, performBegan: began}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	// First evaluation: its engine blocks mid-Perform.
	fut1 := node.Evaluate(EvalRequest{Time: 0})
	env.pumpUntilSignal(t, began)

	// Upstream changes while the engine is still computing.
	data.Store(fresh(2))
	src.NotifyChanged()

	// Second evaluation sees the new upstream revision and runs its own
	// engine to completion.
	fut2 := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut2.State())

	// Unblock the stale engine. Its results must be rejected and the first
	// evaluation silently retried against the fresh input.
	close(gate)
	env.pump(t, fut1.State())

	state1, err1 := fut1.Result()
	state2, err2 := fut2.Result()
	fut1.Release()
	fut2.Release()
	if err1 != nil || err2 != nil {
		t.Fatalf("Result errors: %v, %v", err1, err2)
	}
	if got := state1.Data().Get("in").Values[0]; got != 2 {
		t.Errorf("first evaluation resolved with stale input %v, want 2", got)
	}
	if got := state2.Data().Get("in").Values[0]; got != 2 {
		t.Errorf("second evaluation resolved with input %v, want 2", got)
	}

	// The stale engine never got to emit; the cache holds a fresh entry.
	if node.CacheLen() != 1 {
		t.Errorf("CacheLen = %d, want 1", node.CacheLen())
	}
	if got := stage.engines.Load(); got != 3 {
		t.Errorf("engines created = %d, want 3 (original, concurrent, retry)", got)
	}
}

// paramStage scales its input by a tunable factor. Engines snapshot the
// factor at creation time, so a factor change mid-computation makes the
// running engine's results stale.
type paramStage struct {
	factor  atomic.Int64
	engines atomic.Int32
	gate    chan struct{} // first engine blocks on it
	began   chan struct{} // closed when the gated engine starts
}

func (s *paramStage) Name() string { return "scale" }

func (s *paramStage) IsApplicableTo(input *FlowState) bool {
	return input.Data().Get("in") != nil
}

func (s *paramStage) CreateEngine(req EvalRequest, sctx *StageContext, input *FlowState) (*task.Future[Engine], error) {
	eng := &paramEngine{factor: float64(s.factor.Load())}
	if s.engines.Add(1) == 1 {
		eng.gate = s.gate
		eng.began = s.began
	}
	return task.FromValue[Engine](eng), nil
}

type paramEngine struct {
	factor float64
	gate   chan struct{}
	began  chan struct{}
}

func (e *paramEngine) Perform(op *task.State) error {
	if e.began != nil {
		close(e.began)
	}
	if e.gate != nil {
		<-e.gate
	}
	if op.IsCanceled() {
		return task.ErrCanceled
	}
	return nil
}

func (e *paramEngine) EmitResults(tm Time, sctx *StageContext, output *FlowState) error {
	output.SetData(output.Data().With(NewDataArray("scaled", []float64{e.factor})))
	return nil
}

func TestStageNodeParameterChangeInvalidatesInFlightResults(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	stage := &paramStage{gate: make(chan struct{}), began: make(chan struct{})}
	stage.factor.Store(1)
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	// The first engine snapshots factor=1 and blocks mid-Perform.
	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pumpUntilSignal(t, stage.began)

	// Change the parameter while the engine is still computing. Its results
	// must be discarded and the evaluation retried with the new factor.
	stage.factor.Store(2)
	node.NotifyChanged()
	close(stage.gate)
	env.pump(t, fut.State())

	state, err := fut.Result()
	fut.Release()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if got := state.Data().Get("scaled").Values[0]; got != 2 {
		t.Errorf("evaluation resolved with factor %v, want 2 (pre-change engine must be discarded)", got)
	}
	if got := stage.engines.Load(); got != 2 {
		t.Errorf("engines created = %d, want 2 (original, retry)", got)
	}

	// The cache now holds the post-change result.
	fut2 := node.Evaluate(EvalRequest{Time: 0})
	if !fut2.IsFinished() {
		t.Fatal("post-change evaluation was not a cache hit")
	}
	state2, err := fut2.Result()
	fut2.Release()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if got := state2.Data().Get("scaled").Values[0]; got != 2 {
		t.Errorf("cached result has factor %v, want 2", got)
	}
}

func TestStageNodeSupersededEvaluationCancelsOnAbandon(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))
	gate := make(chan struct{})
	began := make(chan struct{})
	stage := &fakeStage{name: "abandoned", applicable: true, performGate: gate, performBegan: began}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut1 := node.Evaluate(EvalRequest{Time: 0})
	env.pumpUntilSignal(t, began)

	// A parameter change starts a second evaluation for the same time,
	// superseding the first one's registry entry.
	node.NotifyChanged()
	fut2 := node.Evaluate(EvalRequest{Time: 0})
	if fut1.State() == fut2.State() {
		t.Fatal("evaluation after NotifyChanged joined the superseded one")
	}

	// Once the last consumer handle is gone, the superseded evaluation must
	// be canceled even though the node no longer tracks it.
	st1 := fut1.State()
	fut1.Release()
	if !st1.IsCanceled() {
		t.Error("abandoned superseded evaluation was not canceled")
	}

	close(gate)
	env.pump(t, fut2.State())
	env.pump(t, st1)
	if _, err := fut2.Result(); err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	fut2.Release()
}

func TestStageNodeEmitStaleTriggersRetry(t *testing.T) {
	env := newTestEnv(t)
	src := staticSource(NewDataCollection(NewDataArray("in", []float64{1})))

	var emits atomic.Int32
	stage := &fakeStage{name: "self-checking", applicable: true}
	stage.emit = func(output *FlowState) error {
		if emits.Add(1) == 1 {
			return fmt.Errorf("reference data moved: %w", ErrStaleResults)
		}
		output.SetData(output.Data().With(NewDataArray("result", []float64{1})))
		return nil
	}
	node := NewStageNode(stage, src, env.owner, env.pool, env.log)

	fut := node.Evaluate(EvalRequest{Time: 0})
	env.pump(t, fut.State())

	state, err := fut.Result()
	fut.Release()
	if err != nil {
		t.Fatalf("Result error: %v (stale emits must retry, not fail)", err)
	}
	if state.Data().Get("result") == nil {
		t.Error("retried evaluation produced no result")
	}
	if got := emits.Load(); got != 2 {
		t.Errorf("EmitResults called %d times, want 2", got)
	}
}
