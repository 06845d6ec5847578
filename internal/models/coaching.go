package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// StepID names one coaching step. Ids are generated by AddStep and are never
// interpreted beyond equality.
type StepID string

// stepIDPrefix is the prefix used for generated step ids.
const stepIDPrefix = "step_"

// Settings limits
const (
	// MaxFollowUpsLimit is the largest accepted value for AISettings.MaxFollowUps.
	MaxFollowUpsLimit = 4
	// DefaultFollowUpQuestion is the placeholder text of a newly added follow-up question.
	DefaultFollowUpQuestion = "Nouvelle question de suivi ?"
)

// StepData describes one coaching step. Questions[0] is the main prompt, the rest are follow-ups.
type StepData struct {
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Questions   []string `json:"questions" yaml:"questions"`
}

// MainQuestion returns the step's main prompt, or "" when the step has no questions.
func (d StepData) MainQuestion() string {
	if len(d.Questions) == 0 {
		return ""
	}
	return d.Questions[0]
}

// Progress is the persisted part of a coaching session's position in the step order.
type Progress struct {
	CurrentStep    StepID   `json:"currentStep"`
	CompletedSteps []StepID `json:"completedSteps"`
	IsComplete     bool     `json:"isComplete"`
}

// ResponseLength selects how verbose the assistant should be.
type ResponseLength string

const (
	ResponseLengthConcise  ResponseLength = "concise"
	ResponseLengthBalanced ResponseLength = "balanced"
	ResponseLengthDetailed ResponseLength = "detailed"
)

// IsValid reports whether l is one of the known response lengths.
func (l ResponseLength) IsValid() bool {
	switch l {
	case ResponseLengthConcise, ResponseLengthBalanced, ResponseLengthDetailed:
		return true
	default:
		return false
	}
}

// MaxTokens maps a response length to the completion budget. Unknown values are balanced.
func (l ResponseLength) MaxTokens() int {
	switch l {
	case ResponseLengthConcise:
		return 300
	case ResponseLengthDetailed:
		return 1000
	default:
		return 600
	}
}

// AISettings configures the assistant's behavior and the coaching step sequence.
// StepOrder is the source of truth for traversal order.
type AISettings struct {
	UseTutoiement      bool                `json:"useTutoiement" yaml:"use_tutoiement"`
	CustomInstructions string              `json:"customInstructions" yaml:"custom_instructions"`
	Tonality           string              `json:"tonality" yaml:"tonality"`
	MaxFollowUps       int                 `json:"maxFollowUps" yaml:"max_follow_ups"`
	BoldWords          bool                `json:"boldWords" yaml:"bold_words"`
	ResponseLength     ResponseLength      `json:"responseLength" yaml:"response_length"`
	CoachingSteps      map[StepID]StepData `json:"coachingSteps" yaml:"coaching_steps"`
	StepOrder          []StepID            `json:"stepOrder" yaml:"step_order"`
}

// SettingsUpdate is a partial AISettings: only non-nil fields are applied.
type SettingsUpdate struct {
	UseTutoiement      *bool                `json:"useTutoiement,omitempty"`
	CustomInstructions *string              `json:"customInstructions,omitempty"`
	Tonality           *string              `json:"tonality,omitempty"`
	MaxFollowUps       *int                 `json:"maxFollowUps,omitempty"`
	BoldWords          *bool                `json:"boldWords,omitempty"`
	ResponseLength     *ResponseLength      `json:"responseLength,omitempty"`
	CoachingSteps      *map[StepID]StepData `json:"coachingSteps,omitempty"`
	StepOrder          *[]StepID            `json:"stepOrder,omitempty"`
}

// Clone returns a deep copy of the settings.
func (s AISettings) Clone() AISettings {
	out := s
	out.CoachingSteps = make(map[StepID]StepData, len(s.CoachingSteps))
	for id, step := range s.CoachingSteps {
		step.Questions = slices.Clone(step.Questions)
		out.CoachingSteps[id] = step
	}
	out.StepOrder = slices.Clone(s.StepOrder)
	return out
}

// Apply merges the non-nil fields of u into a copy of s and returns it.
func (s AISettings) Apply(u SettingsUpdate) AISettings {
	out := s.Clone()
	if u.UseTutoiement != nil {
		out.UseTutoiement = *u.UseTutoiement
	}
	if u.CustomInstructions != nil {
		out.CustomInstructions = *u.CustomInstructions
	}
	if u.Tonality != nil {
		out.Tonality = *u.Tonality
	}
	if u.MaxFollowUps != nil {
		out.MaxFollowUps = *u.MaxFollowUps
	}
	if u.BoldWords != nil {
		out.BoldWords = *u.BoldWords
	}
	if u.ResponseLength != nil {
		out.ResponseLength = *u.ResponseLength
	}
	if u.CoachingSteps != nil {
		out.CoachingSteps = AISettings{CoachingSteps: *u.CoachingSteps}.Clone().CoachingSteps
	}
	if u.StepOrder != nil {
		out.StepOrder = slices.Clone(*u.StepOrder)
	}
	return out
}

// Validate checks the settings invariants.
func (s AISettings) Validate() error {
	if s.MaxFollowUps < 0 || s.MaxFollowUps > MaxFollowUpsLimit {
		return ErrMaxFollowUpsOutOfRange
	}
	if !s.ResponseLength.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidResponseLength, s.ResponseLength)
	}
	seen := make(map[StepID]bool, len(s.StepOrder))
	for _, id := range s.StepOrder {
		if _, ok := s.CoachingSteps[id]; !ok {
			return fmt.Errorf("%w: %s", ErrStepOrderMismatch, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepInOrder, id)
		}
		seen[id] = true
	}
	return nil
}

// Step returns the data for id.
func (s AISettings) Step(id StepID) (StepData, bool) {
	step, ok := s.CoachingSteps[id]
	return step, ok
}

// nextStepID returns the first "step_<n>" id not present in the step map.
func (s AISettings) nextStepID() StepID {
	for n := len(s.CoachingSteps); ; n++ {
		id := StepID(stepIDPrefix + strconv.Itoa(n))
		if _, taken := s.CoachingSteps[id]; !taken {
			return id
		}
	}
}

// AddStep appends a blank step with one empty question and returns its id.
func (s *AISettings) AddStep() StepID {
	if s.CoachingSteps == nil {
		s.CoachingSteps = make(map[StepID]StepData)
	}
	id := s.nextStepID()
	s.CoachingSteps[id] = StepData{Questions: []string{""}}
	s.StepOrder = append(s.StepOrder, id)
	return id
}

// DeleteStep removes a step from the map and the order. Unknown ids are ignored.
func (s *AISettings) DeleteStep(id StepID) {
	delete(s.CoachingSteps, id)
	s.StepOrder = slices.DeleteFunc(s.StepOrder, func(x StepID) bool { return x == id })
}

// MoveStep swaps the step at index with its neighbour. Out-of-range moves are no-ops.
func (s *AISettings) MoveStep(index int, up bool) {
	target := index + 1
	if up {
		target = index - 1
	}
	if index < 0 || index >= len(s.StepOrder) || target < 0 || target >= len(s.StepOrder) {
		return
	}
	s.StepOrder[index], s.StepOrder[target] = s.StepOrder[target], s.StepOrder[index]
}

// AddQuestion appends a follow-up question unless the step already holds
// MaxFollowUps+1 questions. It reports whether a question was added.
func (s *AISettings) AddQuestion(id StepID) bool {
	step, ok := s.CoachingSteps[id]
	if !ok || len(step.Questions) >= s.MaxFollowUps+1 {
		return false
	}
	step.Questions = append(slices.Clone(step.Questions), DefaultFollowUpQuestion)
	s.CoachingSteps[id] = step
	return true
}

// RemoveQuestion removes the question at index, always keeping at least one.
func (s *AISettings) RemoveQuestion(id StepID, index int) bool {
	step, ok := s.CoachingSteps[id]
	if !ok || len(step.Questions) <= 1 || index < 0 || index >= len(step.Questions) {
		return false
	}
	step.Questions = slices.Delete(slices.Clone(step.Questions), index, index+1)
	s.CoachingSteps[id] = step
	return true
}

// UpdateStep replaces the title, description and questions of an existing step.
func (s *AISettings) UpdateStep(id StepID, data StepData) error {
	if _, ok := s.CoachingSteps[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	data.Title = strings.TrimSpace(data.Title)
	data.Questions = slices.Clone(data.Questions)
	s.CoachingSteps[id] = data
	return nil
}

// StepEditOp names one step-editor operation.
type StepEditOp string

const (
	StepEditAddStep        StepEditOp = "add_step"
	StepEditDeleteStep     StepEditOp = "delete_step"
	StepEditMoveStep       StepEditOp = "move_step"
	StepEditAddQuestion    StepEditOp = "add_question"
	StepEditRemoveQuestion StepEditOp = "remove_question"
	StepEditUpdateStep     StepEditOp = "update_step"
)

// StepEdit is one change made through the step editor. Index is the step's
// position for move_step and the question's position for remove_question.
type StepEdit struct {
	Op     StepEditOp `json:"op" validate:"required,oneof=add_step delete_step move_step add_question remove_question update_step"`
	StepID StepID     `json:"stepId,omitempty" validate:"required_if=Op delete_step,required_if=Op add_question,required_if=Op remove_question,required_if=Op update_step"`
	Index  int        `json:"index,omitempty"`
	Up     bool       `json:"up,omitempty"`
	Step   *StepData  `json:"step,omitempty" validate:"required_if=Op update_step"`
}

// Validate validates a StepEdit.
func (e *StepEdit) Validate() error {
	return Validator().Struct(e)
}

// Edit applies e to s. Edits the editor would ignore, such as moving the first
// step up or adding a question past the limit, leave s unchanged without error.
func (s *AISettings) Edit(e StepEdit) error {
	if err := e.Validate(); err != nil {
		return err
	}
	switch e.Op {
	case StepEditAddStep:
		s.AddStep()
		return nil
	case StepEditDeleteStep:
		s.DeleteStep(e.StepID)
		return nil
	case StepEditMoveStep:
		s.MoveStep(e.Index, e.Up)
		return nil
	case StepEditUpdateStep:
		return s.UpdateStep(e.StepID, *e.Step)
	}

	if _, ok := s.CoachingSteps[e.StepID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, e.StepID)
	}
	if e.Op == StepEditAddQuestion {
		s.AddQuestion(e.StepID)
	} else {
		s.RemoveQuestion(e.StepID, e.Index)
	}
	return nil
}
