package interaction

import (
	"time"

	"roomsync/pkg/types"
)

// Action is a teacher-initiated lifecycle transition
type Action string

const (
	ActionStart  Action = "start"
	ActionLock   Action = "lock"
	ActionReveal Action = "reveal"
	ActionReset  Action = "reset"
)

// ActionForCommand maps a command event type to its action
func ActionForCommand(eventType types.EventType) (Action, bool) {
	switch eventType {
	case types.CommandInteractionStart:
		return ActionStart, true
	case types.CommandInteractionLock:
		return ActionLock, true
	case types.CommandInteractionReveal:
		return ActionReveal, true
	case types.CommandInteractionReset:
		return ActionReset, true
	default:
		return "", false
	}
}

// Transition computes the state that results from applying action to state.
// A command whose ExpectedVersion differs from the current version, or that
// targets a phase the state has already reached, returns changed=false and no
// error. Phases never move backward except through reset, which bumps the
// version.
func Transition(state types.InteractionState, action Action, cmd types.InteractionCommand, now time.Time) (types.InteractionState, bool, error) {
	if cmd.ExpectedVersion != state.Version {
		return state, false, nil
	}

	next := state
	switch action {
	case ActionStart:
		if state.Phase != types.PhaseIdle {
			return state, false, nil
		}
		if !types.IsValidKind(cmd.Kind) {
			return state, false, types.ErrInvalidKind
		}
		next.Kind = cmd.Kind
		next.Phase = types.PhaseActive
		next.Revealed = false
		next.CorrectAnswer = ""
		if cmd.Kind == types.KindQuiz {
			next.CorrectAnswer = cmd.CorrectAnswer
		}

	case ActionLock:
		switch state.Phase {
		case types.PhaseIdle:
			return state, false, ErrInvalidTransition
		case types.PhaseLocked, types.PhaseRevealed:
			return state, false, nil
		}
		next.Phase = types.PhaseLocked

	case ActionReveal:
		switch state.Phase {
		case types.PhaseIdle:
			return state, false, ErrInvalidTransition
		case types.PhaseRevealed:
			return state, false, nil
		}
		if state.Kind != types.KindQuiz {
			return state, false, ErrRevealNotQuiz
		}
		// Reveal from active skips straight past locked.
		next.Phase = types.PhaseRevealed
		next.Revealed = true

	case ActionReset:
		next.Phase = types.PhaseIdle
		next.Version = state.Version + 1
		next.Revealed = false

	default:
		return state, false, ErrUnknownAction
	}

	next.UpdatedAt = now
	return next, true, nil
}
