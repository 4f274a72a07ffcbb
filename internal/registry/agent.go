package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State is an agent lifecycle state.
type State string

const (
	StateRegistered   State = "registered"
	StateActive       State = "active"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
	StateUnresponsive State = "unresponsive"
)

// ParseState converts a state name, rejecting unknown values.
func ParseState(name string) (State, error) {
	switch s := State(name); s {
	case StateRegistered, StateActive, StateDraining, StateTerminated, StateUnresponsive:
		return s, nil
	}
	return "", fmt.Errorf("unknown agent state: %q", name)
}

// CapabilitySet is the set of tags an agent can serve.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from tags, ignoring duplicates.
func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	return set
}

// Has reports whether tag is in the set.
func (c CapabilitySet) Has(tag string) bool {
	_, ok := c[tag]
	return ok
}

// Superset reports whether every required tag is present.
// An empty requirement is satisfied by any set.
func (c CapabilitySet) Superset(required []string) bool {
	for _, tag := range required {
		if !c.Has(tag) {
			return false
		}
	}
	return true
}

// Slice returns the tags in sorted order.
func (c CapabilitySet) Slice() []string {
	tags := make([]string, 0, len(c))
	for tag := range c {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// MarshalJSON encodes the set as a sorted array of tags.
func (c CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Slice())
}

// UnmarshalJSON decodes a tag array. null yields an empty set.
func (c *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return fmt.Errorf("failed to decode capabilities: %w", err)
	}
	*c = NewCapabilitySet(tags...)
	return nil
}

// Descriptor is what a caller supplies to register an agent.
type Descriptor struct {
	Name          string            `json:"name" yaml:"name"`
	Capabilities  []string          `json:"capabilities" yaml:"capabilities"`
	MaxConcurrent int               `json:"max_concurrent" yaml:"max_concurrent"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Validate checks the descriptor. A zero MaxConcurrent means 1.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if d.MaxConcurrent < 0 {
		return fmt.Errorf("agent %s: max_concurrent must be at least 1, got %d", d.Name, d.MaxConcurrent)
	}
	for i, tag := range d.Capabilities {
		if tag == "" {
			return fmt.Errorf("agent %s: capability at index %d is empty", d.Name, i)
		}
	}
	return nil
}

// Stats are cumulative performance counters for one agent.
type Stats struct {
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	TotalExecution time.Duration `json:"total_execution"`
}

// AverageExecution is the mean duration of finished tasks, or 0 if none finished.
func (s Stats) AverageExecution() time.Duration {
	total := s.TasksCompleted + s.TasksFailed
	if total == 0 {
		return 0
	}
	return s.TotalExecution / time.Duration(total)
}

// SuccessRate is the fraction of finished tasks that succeeded. An agent with
// no finished tasks has a rate of 1.0.
func (s Stats) SuccessRate() float64 {
	total := s.TasksCompleted + s.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(s.TasksCompleted) / float64(total)
}

// Agent is the registry's record of one worker.
type Agent struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Capabilities      CapabilitySet     `json:"capabilities"`
	MaxConcurrent     int               `json:"max_concurrent"`
	InFlight          int               `json:"in_flight"`
	State             State             `json:"state"`
	Labels            map[string]string `json:"labels,omitempty"`
	RegisteredAt      time.Time         `json:"registered_at"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	LastAssigned      time.Time         `json:"last_assigned"`
	UnresponsiveSince time.Time         `json:"unresponsive_since,omitempty"`
	Stats             Stats             `json:"stats"`

	drainRequested bool
	reclaimed      bool
}

// Spare is the number of additional assignments the agent may take.
func (a *Agent) Spare() int {
	if spare := a.MaxConcurrent - a.InFlight; spare > 0 {
		return spare
	}
	return 0
}

// Eligible reports whether the agent may receive a new assignment.
func (a *Agent) Eligible() bool {
	return a.State == StateActive && a.Spare() > 0
}

// Copy returns a deep copy safe to hand outside the scheduler lock.
func (a *Agent) Copy() Agent {
	c := *a
	c.Capabilities = make(CapabilitySet, len(a.Capabilities))
	for tag := range a.Capabilities {
		c.Capabilities[tag] = struct{}{}
	}
	if a.Labels != nil {
		c.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// Transition records one lifecycle state change.
type Transition struct {
	AgentID string
	Name    string
	From    State
	To      State
	Reason  string
	At      time.Time
}
