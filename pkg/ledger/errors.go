package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when the named agent does not exist
	ErrAgentNotFound = errors.New("agent not found")

	// ErrExecutionNotFound is returned when an execution id is unknown
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSettlementConflict is returned when a reservation CAS fails against
	// a sibling settlement
	ErrSettlementConflict = errors.New("reservation already settled")
)

// ControlError is an admission or settlement outcome that maps directly to
// an HTTP status. Handlers unwrap it with errors.As instead of matching
// message strings.
type ControlError struct {
	Status     int
	Detail     string
	ReasonCode string
	// Extra is merged into structured deny responses (v2 admission).
	Extra map[string]any
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control error %d: %s", e.Status, e.Detail)
}

// NewControlError creates a plain status/detail outcome.
func NewControlError(status int, detail string) *ControlError {
	return &ControlError{Status: status, Detail: detail}
}

// AsControlError extracts a ControlError from an error chain.
func AsControlError(err error) (*ControlError, bool) {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
