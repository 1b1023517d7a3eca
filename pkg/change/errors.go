package change

import (
	"errors"
	"fmt"
)

// ErrApprovalAlreadyDecided is returned to the loser of a concurrent
// decision race on one approval row.
var ErrApprovalAlreadyDecided = errors.New("approval already decided")

// ValidationError reports malformed or semantically invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown change, approval, node, or policy.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransitionForbidden reports a lifecycle step outside the state machine.
type TransitionForbidden struct {
	From Status
	To   Status
}

func (e *TransitionForbidden) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.From, e.To)
}
