package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every rejected state change
var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusInProgress: true, // Queued → InProgress (worker picked the descriptor up)
		JobStatusCancelled:  true, // Queued → Cancelled (user cancels before pickup)
	},
	JobStatusInProgress: {
		JobStatusCompleted: true, // InProgress → Completed (successful execution)
		JobStatusFailed:    true, // InProgress → Failed (execution failed)
		JobStatusCancelled: true, // InProgress → Cancelled (cooperative cancellation)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidStatus reports whether s is a known job status
func ValidStatus(s JobStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if the job can still be cancelled
func IsActiveState(state JobStatus) bool {
	return state == JobStatusQueued || state == JobStatusInProgress
}

// AllowedTransitions returns the states reachable from state, in stable order
func AllowedTransitions(state JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range []JobStatus{JobStatusQueued, JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if validTransitions[state][s] {
			out = append(out, s)
		}
	}
	return out
}
