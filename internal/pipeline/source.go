package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/seantiz/strata/internal/task"
)

// FrameProvider produces the source data for one frame time, together with
// the interval over which that data stays valid. Providers run synchronously
// on the main loop and should be cheap; expensive loading belongs in a stage.
type FrameProvider func(t Time) (*DataCollection, TimeInterval, error)

// SourceNode is the head of a pipeline: it turns a FrameProvider into a Node.
// Produced states are memoized per time until NotifyChanged is called. The
// memo is confined to the loop goroutine.
type SourceNode struct {
	name     string
	provide  FrameProvider
	revision atomic.Uint64
	memo     map[Time]*FlowState
}

// NewSourceNode creates a source over the given provider.
func NewSourceNode(name string, provide FrameProvider) *SourceNode {
	return &SourceNode{
		name:    name,
		provide: provide,
		memo:    make(map[Time]*FlowState),
	}
}

// Evaluate implements Node. Loop goroutine only.
func (s *SourceNode) Evaluate(req EvalRequest) *task.SharedFuture[*FlowState] {
	if st, ok := s.memo[req.Time]; ok && st.Validity().Contains(req.Time) {
		return task.SharedFromValue(st)
	}
	data, validity, err := s.provide(req.Time)
	if err != nil {
		return task.FromError[*FlowState](fmt.Errorf("source %q: %w", s.name, err)).Share()
	}
	st := NewFlowState(data, Status{Kind: StatusSuccess}, validity)
	s.memo[req.Time] = st
	return task.SharedFromValue(st)
}

// Revision implements Node.
func (s *SourceNode) Revision() uint64 { return s.revision.Load() }

// NotifyChanged invalidates all memoized frames after the underlying data
// changed. Dependent stage nodes notice through the revision bump. Loop
// goroutine only.
func (s *SourceNode) NotifyChanged() {
	s.revision.Add(1)
	clear(s.memo)
}
