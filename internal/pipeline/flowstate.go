package pipeline

import "math"

// Time is a discrete animation/frame time.
type Time int64

// Sentinel times spanning the whole timeline.
const (
	TimeNegativeInfinity Time = math.MinInt64
	TimePositiveInfinity Time = math.MaxInt64
)

// TimeInterval is a closed interval of times. An interval with Start > End is
// empty.
type TimeInterval struct {
	Start Time
	End   Time
}

// InfiniteInterval returns the interval spanning all times.
func InfiniteInterval() TimeInterval {
	return TimeInterval{Start: TimeNegativeInfinity, End: TimePositiveInfinity}
}

// EmptyInterval returns an empty interval.
func EmptyInterval() TimeInterval {
	return TimeInterval{Start: 1, End: 0}
}

// IntervalAt returns the interval containing only t.
func IntervalAt(t Time) TimeInterval {
	return TimeInterval{Start: t, End: t}
}

// IsEmpty reports whether the interval contains no time.
func (i TimeInterval) IsEmpty() bool { return i.Start > i.End }

// Contains reports whether t lies within the interval.
func (i TimeInterval) Contains(t Time) bool {
	return !i.IsEmpty() && i.Start <= t && t <= i.End
}

// Intersect returns the overlap of both intervals.
func (i TimeInterval) Intersect(o TimeInterval) TimeInterval {
	if i.IsEmpty() || o.IsEmpty() {
		return EmptyInterval()
	}
	out := i
	if o.Start > out.Start {
		out.Start = o.Start
	}
	if o.End < out.End {
		out.End = o.End
	}
	if out.IsEmpty() {
		return EmptyInterval()
	}
	return out
}

// StatusKind classifies the evaluation status of a pipeline stage.
type StatusKind int

const (
	// StatusSuccess means the last evaluation completed and its result is
	// current.
	StatusSuccess StatusKind = iota
	// StatusPending means an evaluation is in flight.
	StatusPending
	// StatusError means the last evaluation failed.
	StatusError
)

// String returns the lower-case name of the kind.
func (k StatusKind) String() string {
	switch k {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a stage's evaluation status with an optional message shown to the
// user.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// ErrorStatus builds an error status carrying the error's message chain.
func ErrorStatus(err error) Status {
	return Status{Kind: StatusError, Message: err.Error()}
}

// FlowState is the unit of data flowing between pipeline stages: a data
// collection plus the producing stage's status and the time interval over
// which the data is valid. FlowStates are cheap to clone; the data collection
// is shared copy-on-write.
type FlowState struct {
	data     *DataCollection
	status   Status
	validity TimeInterval
}

// NewFlowState creates a flow state over the given data.
func NewFlowState(data *DataCollection, status Status, validity TimeInterval) *FlowState {
	return &FlowState{data: data, status: status, validity: validity}
}

// Data returns the state's data collection.
func (f *FlowState) Data() *DataCollection { return f.data }

// SetData replaces the state's data collection.
func (f *FlowState) SetData(d *DataCollection) { f.data = d }

// Status returns the producing stage's status.
func (f *FlowState) Status() Status { return f.status }

// SetStatus sets the producing stage's status.
func (f *FlowState) SetStatus(s Status) { f.status = s }

// Validity returns the interval over which the data is valid.
func (f *FlowState) Validity() TimeInterval { return f.validity }

// SetValidity replaces the validity interval.
func (f *FlowState) SetValidity(i TimeInterval) { f.validity = i }

// IntersectValidity narrows the validity interval to its overlap with i. A
// stage's output can never be valid longer than its input.
func (f *FlowState) IntersectValidity(i TimeInterval) {
	f.validity = f.validity.Intersect(i)
}

// Clone returns a shallow copy sharing the data collection. The copy can be
// given a new status, validity, or (via With on the collection) modified data
// without disturbing the original.
func (f *FlowState) Clone() *FlowState {
	return &FlowState{data: f.data, status: f.status, validity: f.validity}
}
