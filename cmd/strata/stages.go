package main

import (
	"fmt"

	"github.com/seantiz/strata/internal/pipeline"
	"github.com/seantiz/strata/internal/task"
)

// smoothingStage replaces the "values" array with a moving average over a
// fixed window.
type smoothingStage struct {
	window int
}

func (s *smoothingStage) Name() string { return "smoothing" }

func (s *smoothingStage) IsApplicableTo(input *pipeline.FlowState) bool {
	return input.Data().Get("values") != nil
}

func (s *smoothingStage) CreateEngine(req pipeline.EvalRequest, sctx *pipeline.StageContext, input *pipeline.FlowState) (*task.Future[pipeline.Engine], error) {
	if s.window < 1 {
		return nil, fmt.Errorf("smoothing window must be positive, got %d", s.window)
	}
	src, err := input.Data().Expect("values")
	if err != nil {
		return nil, err
	}
	return task.FromValue[pipeline.Engine](&smoothingEngine{
		window: s.window,
		input:  src,
	}), nil
}

// smoothingEngine holds an immutable snapshot of the stage parameters and
// input array.
type smoothingEngine struct {
	window int
	input  *pipeline.DataArray

	smoothed *pipeline.DataArray
}

func (e *smoothingEngine) Perform(op *task.State) error {
	out := e.input.Clone()
	op.SetProgressText("smoothing values")
	op.SetProgressMaximum(int64(out.Len()))
	half := e.window / 2
	for i := range out.Values {
		sum := 0.0
		count := 0
		for j := i - half; j <= i+half; j++ {
			if j >= 0 && j < e.input.Len() {
				sum += e.input.Values[j]
				count++
			}
		}
		out.Values[i] = sum / float64(count)
		if !op.SetProgressValueIntermittent(int64(i), 256) {
			return task.ErrCanceled
		}
	}
	e.smoothed = out
	return nil
}

func (e *smoothingEngine) EmitResults(t pipeline.Time, sctx *pipeline.StageContext, output *pipeline.FlowState) error {
	output.SetData(output.Data().With(e.smoothed))
	return nil
}

// statisticsStage appends a "statistics" array holding min, max, and mean of
// the "values" array.
type statisticsStage struct{}

func (s *statisticsStage) Name() string { return "statistics" }

func (s *statisticsStage) IsApplicableTo(input *pipeline.FlowState) bool {
	return input.Data().Get("values") != nil
}

func (s *statisticsStage) CreateEngine(req pipeline.EvalRequest, sctx *pipeline.StageContext, input *pipeline.FlowState) (*task.Future[pipeline.Engine], error) {
	src, err := input.Data().Expect("values")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrNotApplicable, err)
	}
	if src.Len() == 0 {
		return nil, fmt.Errorf("cannot compute statistics over an empty array")
	}
	return task.FromValue[pipeline.Engine](&statisticsEngine{input: src}), nil
}

type statisticsEngine struct {
	input *pipeline.DataArray

	min, max, mean float64
}

func (e *statisticsEngine) Perform(op *task.State) error {
	op.SetProgressText("computing statistics")
	e.min = e.input.Values[0]
	e.max = e.input.Values[0]
	sum := 0.0
	for i, v := range e.input.Values {
		if v < e.min {
			e.min = v
		}
		if v > e.max {
			e.max = v
		}
		sum += v
		if !op.SetProgressValueIntermittent(int64(i), 1024) {
			return task.ErrCanceled
		}
	}
	e.mean = sum / float64(e.input.Len())
	return nil
}

func (e *statisticsEngine) EmitResults(t pipeline.Time, sctx *pipeline.StageContext, output *pipeline.FlowState) error {
	summary := pipeline.NewDataArray("statistics", []float64{e.min, e.max, e.mean})
	output.SetData(output.Data().With(summary))
	return nil
}
