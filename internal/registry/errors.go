package registry

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound is returned when an operation names an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentTerminated is returned when an operation targets a terminated agent.
var ErrAgentTerminated = errors.New("agent is terminated")

// DuplicateAgentError is returned by Register when a live agent already uses the name.
type DuplicateAgentError struct {
	Name       string
	ExistingID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent name %q is already registered (id %s)", e.Name, e.ExistingID)
}
