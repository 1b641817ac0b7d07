package keys

import (
	"fmt"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// transitions lists every allowed key state change.
var transitions = map[KeyState][]KeyState{
	StatePending:     {StateActive, StateCompromised, StateRetired},
	StateActive:      {StateRotating, StateCompromised, StateRetired},
	StateRotating:    {StateActive, StateCompromised, StateRetired},
	StateCompromised: {StateRetired},
}

// ValidateTransition returns nil if from->to is allowed, a *TransitionError
// otherwise.
func ValidateTransition(from, to KeyState) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	code := "KEY_INVALID_TRANSITION"
	if from.IsTerminal() {
		code = "KEY_TERMINAL"
	}
	return &TransitionError{
		Code:    code,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("key cannot move from %s to %s", from, to),
	}
}

// AllowedTransitions returns the states reachable from s.
func AllowedTransitions(s KeyState) []KeyState {
	return append([]KeyState(nil), transitions[s]...)
}

// TransitionError is a structured error for a rejected state change. It
// matches store.ErrConflict.
type TransitionError struct {
	Code    string   `json:"code"`
	From    KeyState `json:"from"`
	To      KeyState `json:"to"`
	Message string   `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// Unwrap classifies transition errors as conflicts.
func (e *TransitionError) Unwrap() error {
	return store.ErrConflict
}
