// Package coaching implements the coaching step progression: the progress tracker
// state machine, the step-completion marker, default settings and the steps file.
package coaching

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

var (
	// ErrEmptyStepOrder is returned when a tracker is built over an empty step order.
	ErrEmptyStepOrder = errors.New("coaching step order is empty")
	// ErrStepNotInOrder is returned by Rebind when the current step no longer exists.
	ErrStepNotInOrder = errors.New("current step is not part of the step order")
)

// Tracker follows a session through an ordered list of coaching steps.
//
// A step is completed in two phases: CompleteStep opens the gate when the
// assistant signals that the current step's objective is met, and MoveToNextStep
// advances on explicit user action. Once the last step is advanced past the
// tracker is complete and accepts no further transitions.
//
// Tracker is not safe for concurrent use; callers serialize access.
type Tracker struct {
	order      []models.StepID
	progress   models.Progress
	canProceed bool
}

// NewTracker returns a tracker positioned at the first step of order.
func NewTracker(order []models.StepID) (*Tracker, error) {
	if len(order) == 0 {
		return nil, ErrEmptyStepOrder
	}
	t := &Tracker{order: slices.Clone(order)}
	t.ResetProgress()
	return t, nil
}

// CompleteStep opens the gate to the next step if step is the current one.
// Signals for any other step are ignored; a reply that arrives after the user
// already advanced must not unlock the following step. It reports whether the
// signal was accepted.
func (t *Tracker) CompleteStep(step models.StepID) bool {
	if t.progress.IsComplete || step != t.progress.CurrentStep {
		slog.Debug("Tracker.CompleteStep: ignoring stale completion", "step", step, "current", t.progress.CurrentStep)
		return false
	}
	t.canProceed = true
	return true
}

// MoveToNextStep advances to the next step, or completes the sequence when the
// current step is the last one. It is a no-op while the gate is closed.
func (t *Tracker) MoveToNextStep() bool {
	if !t.canProceed || t.progress.IsComplete {
		return false
	}

	idx := slices.Index(t.order, t.progress.CurrentStep)
	prev := t.progress.CurrentStep
	t.progress.CompletedSteps = append(t.progress.CompletedSteps, prev)

	if idx >= 0 && idx < len(t.order)-1 {
		t.progress.CurrentStep = t.order[idx+1]
		t.canProceed = false
		slog.Debug("Tracker.MoveToNextStep: advanced", "from", prev, "to", t.progress.CurrentStep)
		return true
	}

	t.progress.IsComplete = true
	slog.Debug("Tracker.MoveToNextStep: sequence complete", "last", prev)
	return true
}

// ResetProgress returns to the first step with nothing completed.
func (t *Tracker) ResetProgress() {
	t.progress = models.Progress{
		CurrentStep:    t.order[0],
		CompletedSteps: []models.StepID{},
	}
	t.canProceed = false
}

// Rebind replaces the step order after a settings change. The position is kept
// when the current step is still present; otherwise ErrStepNotInOrder is
// returned and the tracker is left unchanged.
func (t *Tracker) Rebind(order []models.StepID) error {
	if len(order) == 0 {
		return ErrEmptyStepOrder
	}
	idx := slices.Index(order, t.progress.CurrentStep)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotInOrder, t.progress.CurrentStep)
	}
	if t.progress.IsComplete && idx != len(order)-1 {
		return fmt.Errorf("%w: completed sequence must end at %s", ErrStepNotInOrder, t.progress.CurrentStep)
	}
	t.order = slices.Clone(order)
	return nil
}

// Progress returns a copy of the current progress.
func (t *Tracker) Progress() models.Progress {
	p := t.progress
	p.CompletedSteps = slices.Clone(t.progress.CompletedSteps)
	return p
}

// CanProceedToNext reports whether the gate to the next step is open.
func (t *Tracker) CanProceedToNext() bool {
	return t.canProceed
}

// CurrentStep returns the id of the current step.
func (t *Tracker) CurrentStep() models.StepID {
	return t.progress.CurrentStep
}

// CurrentStepData resolves the current step in settings.
func (t *Tracker) CurrentStepData(settings models.AISettings) (models.StepData, error) {
	step, ok := settings.Step(t.progress.CurrentStep)
	if !ok {
		return models.StepData{}, fmt.Errorf("%w: %s", models.ErrUnknownStep, t.progress.CurrentStep)
	}
	return step, nil
}

// Position returns the 1-based index of the current step and the number of steps.
func (t *Tracker) Position() (int, int) {
	return slices.Index(t.order, t.progress.CurrentStep) + 1, len(t.order)
}

// Percent returns the completed fraction of the sequence in [0, 1].
func (t *Tracker) Percent() float64 {
	f := float64(len(t.progress.CompletedSteps)) / float64(len(t.order))
	return min(f, 1)
}
