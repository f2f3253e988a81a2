package engine

import (
	"fmt"

	"diveops/internal/domain"
)

// InputError is a caller mistake: missing or malformed fields.
type InputError struct {
	Msg string
}

func (e InputError) Error() string { return e.Msg }

func inputErrorf(format string, args ...any) error {
	return InputError{Msg: fmt.Sprintf(format, args...)}
}

// TransitionError is an immersion state change the lifecycle does not allow.
type TransitionError struct {
	From domain.ImmersionState
	To   domain.ImmersionState
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid immersion transition %s -> %s", e.From, e.To)
}

// StateError is an action that needs the immersion in a different state.
type StateError struct {
	Estado domain.ImmersionState
	Msg    string
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s (immersion is %s)", e.Msg, e.Estado)
}
