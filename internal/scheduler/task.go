package scheduler

import (
	"context"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Payload is the opaque work description handed to an agent.
type Payload struct {
	Content  []byte            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Size is the payload's contribution to the max_payload_bytes bound.
func (p Payload) Size() int {
	size := len(p.Content)
	for k, v := range p.Metadata {
		size += len(k) + len(v)
	}
	return size
}

func (p Payload) clone() Payload {
	c := Payload{}
	if p.Content != nil {
		c.Content = append([]byte(nil), p.Content...)
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// TaskRequest is what a caller submits.
type TaskRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID           string   `json:"id,omitempty"`
	Payload      Payload  `json:"payload"`
	Priority     int      `json:"priority"`
	RequiredTags []string `json:"required_tags,omitempty"`

	// Deadline overrides the default execution deadline when positive.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Task is a unit of work tracked by the scheduler.
type Task struct {
	ID           string        `json:"id"`
	Payload      Payload       `json:"payload"`
	Priority     int           `json:"priority"`
	RequiredTags []string      `json:"required_tags,omitempty"`
	Deadline     time.Duration `json:"deadline,omitempty"`
	State        State         `json:"state"`
	Retries      int           `json:"retries"`
	AgentID      string        `json:"agent_id,omitempty"`
	Generation   uint64        `json:"generation"`
	LastError    string        `json:"last_error,omitempty"`
	Result       []byte        `json:"result,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	seq   uint64 // enqueue sequence, refreshed on every re-enqueue
	index int    // heap index, -1 when not in the ready queue
}

// Copy returns a deep copy safe to use outside the scheduler lock.
func (t *Task) Copy() Task {
	c := *t
	c.Payload = t.Payload.clone()
	if t.RequiredTags != nil {
		c.RequiredTags = append([]string(nil), t.RequiredTags...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return c
}

// Assignment binds a running task to an agent for one generation.
type Assignment struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
}

// Outcome is an agent's report for one assignment generation.
// A nil Err means success.
type Outcome struct {
	Generation uint64
	Result     []byte
	Err        error
}

// Success builds a successful outcome.
func Success(generation uint64, result []byte) Outcome {
	return Outcome{Generation: generation, Result: result}
}

// Failure builds a failed outcome.
func Failure(generation uint64, err error) Outcome {
	return Outcome{Generation: generation, Err: err}
}

// Executor runs tasks for one agent. Execute is called on its own goroutine
// and should return promptly once ctx is done. The returned outcome's
// Generation is overwritten with the assignment's.
type Executor interface {
	Execute(ctx context.Context, a Assignment, task Task) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a Assignment, task Task) Outcome

// Execute calls f(ctx, a, task).
func (f ExecutorFunc) Execute(ctx context.Context, a Assignment, task Task) Outcome {
	return f(ctx, a, task)
}
