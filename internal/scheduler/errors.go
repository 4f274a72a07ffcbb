package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/lodge/internal/registry"
)

var (
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound is returned when an operation names an unknown agent.
	ErrAgentNotFound = registry.ErrAgentNotFound

	// ErrClosed is returned after the scheduler has been closed.
	ErrClosed = errors.New("scheduler is closed")
)

// DuplicateAgentError is returned by RegisterAgent when a live agent already uses the name.
type DuplicateAgentError = registry.DuplicateAgentError

// InvalidTaskError is returned synchronously by Submit.
type InvalidTaskError struct {
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return "invalid task: " + e.Reason
}

// AssignmentStaleError is returned by ReportOutcome when the reported
// generation is no longer the task's current assignment.
type AssignmentStaleError struct {
	TaskID   string
	Reported uint64
	Current  uint64
}

func (e *AssignmentStaleError) Error() string {
	return fmt.Sprintf("stale outcome for task %s: generation %d, current %d", e.TaskID, e.Reported, e.Current)
}

// AgentUnresponsiveError is the failure reason for assignments reclaimed from
// an agent that stopped heartbeating.
type AgentUnresponsiveError struct {
	AgentID string
	Since   time.Time
}

func (e *AgentUnresponsiveError) Error() string {
	return fmt.Sprintf("agent %s unresponsive since %s", e.AgentID, e.Since.UTC().Format(time.RFC3339))
}

// TaskExhaustedError describes a task that failed on every permitted attempt.
// It is carried in the task_failed event, never returned from an API call.
type TaskExhaustedError struct {
	TaskID    string
	Attempts  int
	LastError string
}

func (e *TaskExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %s", e.TaskID, e.Attempts, e.LastError)
}

// IsStale reports whether err is an *AssignmentStaleError.
func IsStale(err error) bool {
	var stale *AssignmentStaleError
	return errors.As(err, &stale)
}

// ErrDeadlineExceeded is the failure reason for assignments that ran past their deadline.
var ErrDeadlineExceeded = errors.New("assignment deadline exceeded")
