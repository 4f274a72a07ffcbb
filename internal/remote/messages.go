package remote

import (
	"fmt"
	"time"

	"github.com/dyluth/lodge/internal/scheduler"
)

// Job is one assignment as pushed onto an agent's inbox.
type Job struct {
	Assignment scheduler.Assignment `json:"assignment"`
	Task       scheduler.Task       `json:"task"`
}

// Validate checks that the job identifies an assignment.
func (j *Job) Validate() error {
	if j.Assignment.TaskID == "" {
		return fmt.Errorf("job assignment has no task id")
	}
	if j.Assignment.TaskID != j.Task.ID {
		return fmt.Errorf("job assignment task %s does not match task %s", j.Assignment.TaskID, j.Task.ID)
	}
	return nil
}

// Result is a worker's report for one job. An empty Error means success.
type Result struct {
	TaskID     string `json:"task_id"`
	Generation uint64 `json:"generation"`
	Result     []byte `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Heartbeat is published periodically by a running worker.
type Heartbeat struct {
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}

// ControlCancel asks a worker to stop a running job.
const ControlCancel = "cancel"

// Control is a message sent to a worker's control channel.
type Control struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation uint64 `json:"generation"`
}

// jobKey identifies a running job inside a worker.
func jobKey(taskID string, generation uint64) string {
	return fmt.Sprintf("%s:%d", taskID, generation)
}
