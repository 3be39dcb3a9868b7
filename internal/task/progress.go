package task

// Progress reporting is producer-side and advisory. All setters may be called
// from the worker goroutine; consumers observe progress through listeners.
// The boolean return of the value setters doubles as a cancellation poll so
// that tight loops can bail out without a separate check.

// ProgressValue returns the current progress value of the active step.
func (s *State) ProgressValue() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressValue
}

// ProgressMaximum returns the current progress maximum of the active step.
// Zero means the duration of the task is unknown.
func (s *State) ProgressMaximum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressMaximum
}

// ProgressText returns the current status text of the task.
func (s *State) ProgressText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressText
}

// SetProgressMaximum sets the maximum progress value of the active step.
func (s *State) SetProgressMaximum(maximum int64) {
	s.mu.Lock()
	s.progressMaximum = maximum
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
}

// SetProgressValue sets the progress value of the active step and reports
// whether the task is still live (not canceled).
func (s *State) SetProgressValue(value int64) bool {
	s.mu.Lock()
	s.progressValue = value
	canceled := s.canceled
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
	return !canceled
}

// IncrementProgressValue adds delta to the progress value and reports whether
// the task is still live.
func (s *State) IncrementProgressValue(delta int64) bool {
	s.mu.Lock()
	s.progressValue += delta
	canceled := s.canceled
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
	return !canceled
}

// SetProgressValueIntermittent updates the progress value but only notifies
// listeners every updateEvery calls (or when the step completes). Intended
// for very tight loops where per-iteration notification would dominate.
func (s *State) SetProgressValueIntermittent(value int64, updateEvery int) bool {
	if updateEvery < 1 {
		updateEvery = 1
	}
	s.mu.Lock()
	s.progressValue = value
	s.progressSkipped++
	canceled := s.canceled
	if s.progressSkipped < updateEvery && value < s.progressMaximum {
		s.mu.Unlock()
		return !canceled
	}
	s.progressSkipped = 0
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
	return !canceled
}

// SetProgressText changes the status text of the task.
func (s *State) SetProgressText(text string) {
	s.mu.Lock()
	s.progressText = text
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners, Event{Kind: EventProgressText, Text: text})
}

// BeginProgressSubSteps starts a sequence of n equally weighted sub-steps in
// the progress range of this task.
func (s *State) BeginProgressSubSteps(n int) {
	weights := make([]int, n)
	for i := range weights {
		weights[i] = 1
	}
	s.BeginProgressSubStepsWithWeights(weights)
}

// BeginProgressSubStepsWithWeights starts a sequence of sub-steps with the
// given relative weights. Until EndProgressSubSteps is called, the total
// progress reported to listeners is computed from the completed weight plus
// the fractional progress of the active step.
func (s *State) BeginProgressSubStepsWithWeights(weights []int) {
	total := 0
	for _, w := range weights {
		total += w
	}
	s.mu.Lock()
	s.subStepWeights = weights
	s.subStepIndex = 0
	s.completedWeight = 0
	s.totalWeight = total
	s.progressValue = 0
	s.progressMaximum = 0
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
}

// NextProgressSubStep completes the active sub-step and moves to the next
// one, resetting the step-local progress range.
func (s *State) NextProgressSubStep() {
	s.mu.Lock()
	if s.subStepIndex < len(s.subStepWeights) {
		s.completedWeight += s.subStepWeights[s.subStepIndex]
		s.subStepIndex++
	}
	s.progressValue = 0
	s.progressMaximum = 0
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
}

// EndProgressSubSteps completes a sub-step sequence started with
// BeginProgressSubSteps or BeginProgressSubStepsWithWeights.
func (s *State) EndProgressSubSteps() {
	s.mu.Lock()
	s.subStepWeights = nil
	s.subStepIndex = 0
	s.completedWeight = 0
	s.totalWeight = 0
	s.progressValue = 0
	s.progressMaximum = 0
	ev, listeners := s.progressEventLocked()
	s.mu.Unlock()
	notify(listeners, ev)
}

// TotalProgressValue returns the overall progress of the task, taking any
// active sub-step sequence into account.
func (s *State) TotalProgressValue() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalProgressValueLocked()
}

// TotalProgressMaximum returns the overall progress maximum of the task,
// taking any active sub-step sequence into account. Zero means unknown.
func (s *State) TotalProgressMaximum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalProgressMaximumLocked()
}

func (s *State) totalProgressValueLocked() int64 {
	if len(s.subStepWeights) == 0 {
		return s.progressValue
	}
	if s.totalWeight == 0 {
		return 0
	}
	total := int64(s.completedWeight) * totalProgressScale
	if s.progressMaximum > 0 && s.subStepIndex < len(s.subStepWeights) {
		total += s.progressValue * int64(s.subStepWeights[s.subStepIndex]) * totalProgressScale / s.progressMaximum
	}
	return total / int64(s.totalWeight)
}

func (s *State) totalProgressMaximumLocked() int64 {
	if len(s.subStepWeights) == 0 {
		return s.progressMaximum
	}
	return totalProgressScale
}

func (s *State) progressEventLocked() (Event, []func(Event)) {
	ev := Event{
		Kind:    EventProgressValue,
		Value:   s.totalProgressValueLocked(),
		Maximum: s.totalProgressMaximumLocked(),
	}
	return ev, s.snapshotListeners()
}
