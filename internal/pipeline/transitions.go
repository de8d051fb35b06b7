package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("pipeline state not found")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrMissingError      = errors.New("transition to failed requires a non-empty error")
)

// TransitionError describes a rejected stage transition.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConflictError describes an optimistic concurrency failure.
type ConflictError struct {
	ID       string
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, stored %d", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// legalTransitions is the fixed stage graph. failed -> pending is the only
// way out of a terminal stage and is reserved for manual recovery.
var legalTransitions = map[Stage][]Stage{
	StagePending:        {StageIntake, StageFailed},
	StageIntake:         {StageClarification, StageProvisioning, StageFailed},
	StageClarification:  {StageIntake, StageProvisioning, StageFailed},
	StageProvisioning:   {StageImplementation, StageFailed},
	StageImplementation: {StagePRCreation, StageFailed},
	StagePRCreation:     {StageCompleted, StageFailed},
	StageCompleted:      {},
	StageFailed:         {StagePending},
}

// ValidTransition reports whether from -> to is in the transition table.
func ValidTransition(from, to Stage) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the stages reachable from s in one step.
func AllowedTransitions(s Stage) []Stage {
	return append([]Stage(nil), legalTransitions[s]...)
}
