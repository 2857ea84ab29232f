package app

import (
	"strings"

	"tb-go/internal/tb"
)

// RunOperation tracks one CLI invocation. Its ID tags every log line and becomes the
// key of the history record for backup and restore runs.
type RunOperation struct {
	ID         string
	Command    string
	Parameters []string
	// Recorded is set once the outcome has been written to history.
	Recorded bool
}

// NewRunOperation creates an operation with a fresh ID.
func NewRunOperation(ids tb.IDGenerator, command string, parameters ...string) *RunOperation {
	return &RunOperation{
		ID:         ids.New(),
		Command:    command,
		Parameters: parameters,
	}
}

// String renders the invocation as typed, e.g. "restore --date 20250115".
func (op *RunOperation) String() string {
	return strings.TrimSpace(op.Command + " " + strings.Join(op.Parameters, " "))
}
