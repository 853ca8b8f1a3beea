package orchestration

import (
	"slices"
	"time"
)

type StateMachine struct{}

func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

func (sm *StateMachine) ValidRoundTransition(from, to RoundState) bool {
	validTransitions := map[RoundState][]RoundState{
		RoundPending:     {RoundCollecting, RoundFailed},
		RoundCollecting:  {RoundAggregating, RoundFailed},
		RoundAggregating: {RoundCompleted, RoundFailed},
		RoundCompleted:   {}, // Terminal state
		RoundFailed:      {}, // Terminal state
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

func (sm *StateMachine) TransitionRound(r *Round, newState RoundState) error {
	if !sm.ValidRoundTransition(r.State, newState) {
		return ErrInvalidStateTransition
	}

	r.State = newState

	switch newState {
	case RoundCollecting:
		if r.StartTime.IsZero() {
			r.StartTime = time.Now()
		}
	case RoundCompleted, RoundFailed:
		if r.EndTime == nil {
			now := time.Now()
			r.EndTime = &now
		}
	case RoundPending, RoundAggregating:
	}

	return nil
}

func (sm *StateMachine) IsTerminalRoundState(state RoundState) bool {
	return state == RoundCompleted || state == RoundFailed
}

func (sm *StateMachine) ValidAssignmentTransition(from, to AssignmentState) bool {
	validTransitions := map[AssignmentState][]AssignmentState{
		AssignmentIdle:      {AssignmentTraining, AssignmentFailed},
		AssignmentTraining:  {AssignmentCompleted, AssignmentFailed},
		AssignmentCompleted: {}, // Terminal state
		AssignmentFailed:    {}, // Terminal state
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

func (sm *StateMachine) TransitionAssignment(a *Assignment, newState AssignmentState) error {
	if !sm.ValidAssignmentTransition(a.State, newState) {
		return ErrInvalidStateTransition
	}

	now := time.Now()
	a.State = newState
	a.UpdatedAt = now

	switch newState {
	case AssignmentTraining:
		if a.StartTime.IsZero() {
			a.StartTime = now
		}
	case AssignmentCompleted, AssignmentFailed:
		if a.FinishTime == nil {
			a.FinishTime = &now
		}
	case AssignmentIdle:
	}

	return nil
}

func (sm *StateMachine) MarkAssignmentFailed(a *Assignment, errorMsg string) error {
	if err := sm.TransitionAssignment(a, AssignmentFailed); err != nil {
		return err
	}
	a.Error = errorMsg

	return nil
}
