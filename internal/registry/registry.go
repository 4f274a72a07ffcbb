// Package registry tracks agent workers: their capabilities, load, liveness and
// lifecycle state.
//
// A Registry is not safe for concurrent use. The scheduler owns it and calls
// it only while holding its own lock, so that load accounting and task state
// change atomically together.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Config holds liveness thresholds.
type Config struct {
	// HeartbeatTimeout is how long an active agent may stay silent before it
	// is marked unresponsive.
	HeartbeatTimeout time.Duration

	// UnresponsiveGrace is how long an agent may stay unresponsive before its
	// in-flight assignments are reclaimed.
	UnresponsiveGrace time.Duration
}

// Registry holds every known agent keyed by ID.
type Registry struct {
	cfg    Config
	agents map[string]*Agent
	byName map[string]string // name -> ID of the non-terminated agent using it
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*Agent),
		byName: make(map[string]string),
	}
}

// Register adds an agent in the registered state.
// Returns *DuplicateAgentError if a non-terminated agent already has the name.
func (r *Registry) Register(desc Descriptor, now time.Time) (*Agent, Transition, error) {
	if err := desc.Validate(); err != nil {
		return nil, Transition{}, err
	}
	if existing, ok := r.byName[desc.Name]; ok {
		return nil, Transition{}, &DuplicateAgentError{Name: desc.Name, ExistingID: existing}
	}

	maxConcurrent := desc.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	var labels map[string]string
	if len(desc.Labels) > 0 {
		labels = make(map[string]string, len(desc.Labels))
		for k, v := range desc.Labels {
			labels[k] = v
		}
	}

	agent := &Agent{
		ID:            uuid.New().String(),
		Name:          desc.Name,
		Capabilities:  NewCapabilitySet(desc.Capabilities...),
		MaxConcurrent: maxConcurrent,
		State:         StateRegistered,
		Labels:        labels,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.agents[agent.ID] = agent
	r.byName[agent.Name] = agent.ID

	return agent, Transition{
		AgentID: agent.ID,
		Name:    agent.Name,
		To:      StateRegistered,
		Reason:  "registered",
		At:      now,
	}, nil
}

// Get returns the live record for id. Callers must not retain it past the scheduler lock.
func (r *Registry) Get(id string) (*Agent, bool) {
	agent, ok := r.agents[id]
	return agent, ok
}

// ByName returns the non-terminated agent using name.
func (r *Registry) ByName(name string) (*Agent, bool) {
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.agents[id], true
}

func (r *Registry) lookup(id string) (*Agent, error) {
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.State == StateTerminated {
		return nil, fmt.Errorf("%w: %s", ErrAgentTerminated, id)
	}
	return agent, nil
}

// Activate moves a registered agent to active. Other states are left alone.
func (r *Registry) Activate(id string, now time.Time) ([]Transition, error) {
	agent, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if agent.State != StateRegistered {
		return nil, nil
	}
	agent.LastHeartbeat = now
	return []Transition{r.transition(agent, StateActive, "activated", now)}, nil
}

// Heartbeat records liveness. A registered agent becomes active; an
// unresponsive agent returns to the state it would otherwise be in.
func (r *Registry) Heartbeat(id string, now time.Time) ([]Transition, error) {
	agent, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	agent.LastHeartbeat = now

	switch agent.State {
	case StateRegistered:
		return []Transition{r.transition(agent, StateActive, "first heartbeat", now)}, nil
	case StateUnresponsive:
		agent.UnresponsiveSince = time.Time{}
		agent.reclaimed = false
		if agent.drainRequested {
			ts := []Transition{r.transition(agent, StateDraining, "heartbeat resumed", now)}
			return append(ts, r.finishDrain(agent, now)...), nil
		}
		return []Transition{r.transition(agent, StateActive, "heartbeat resumed", now)}, nil
	}
	return nil, nil
}

// UpdateCapacity changes an agent's concurrency ceiling. Lowering it never
// cancels in-flight work. Returns true if the agent gained spare capacity.
func (r *Registry) UpdateCapacity(id string, maxConcurrent int) (bool, error) {
	if maxConcurrent < 1 {
		return false, fmt.Errorf("max_concurrent must be at least 1, got %d", maxConcurrent)
	}
	agent, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	before := agent.Spare()
	agent.MaxConcurrent = maxConcurrent
	return agent.Spare() > before, nil
}

// Drain stops new assignments to the agent. It terminates as soon as its
// in-flight count reaches zero, which may be immediately.
func (r *Registry) Drain(id string, now time.Time) ([]Transition, error) {
	agent, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	agent.drainRequested = true

	switch agent.State {
	case StateRegistered, StateActive:
		ts := []Transition{r.transition(agent, StateDraining, "drain requested", now)}
		return append(ts, r.finishDrain(agent, now)...), nil
	case StateUnresponsive:
		return r.finishDrain(agent, now), nil
	}
	return nil, nil
}

// Acquire charges one assignment to the agent.
func (r *Registry) Acquire(id string, now time.Time) error {
	agent, err := r.lookup(id)
	if err != nil {
		return err
	}
	agent.InFlight++
	agent.LastAssigned = now
	return nil
}

// Release returns one assignment slot. A draining agent whose last
// assignment ends is terminated.
func (r *Registry) Release(id string, now time.Time) []Transition {
	agent, ok := r.agents[id]
	if !ok || agent.InFlight == 0 {
		return nil
	}
	agent.InFlight--
	return r.finishDrain(agent, now)
}

// RecordResult updates the agent's performance counters.
func (r *Registry) RecordResult(id string, success bool, took time.Duration) {
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	if success {
		agent.Stats.TasksCompleted++
	} else {
		agent.Stats.TasksFailed++
	}
	agent.Stats.TotalExecution += took
}

// Candidates returns eligible agents whose capabilities cover required,
// ordered by spare capacity descending, then least recently assigned, then ID.
func (r *Registry) Candidates(required []string) []*Agent {
	var out []*Agent
	for _, agent := range r.agents {
		if agent.Eligible() && agent.Capabilities.Superset(required) {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Spare() != b.Spare() {
			return a.Spare() > b.Spare()
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.ID < b.ID
	})
	return out
}

// Sweep applies liveness thresholds at now. It returns the resulting
// transitions and the IDs of agents whose assignments must be reclaimed.
// Each unresponsive period yields at most one reclaim.
func (r *Registry) Sweep(now time.Time) ([]Transition, []string) {
	var transitions []Transition
	var reclaim []string

	for _, agent := range r.sorted() {
		switch agent.State {
		case StateActive, StateDraining:
			if r.cfg.HeartbeatTimeout > 0 && now.Sub(agent.LastHeartbeat) > r.cfg.HeartbeatTimeout {
				agent.UnresponsiveSince = now
				transitions = append(transitions, r.transition(agent, StateUnresponsive, "heartbeat timeout", now))
			}
		case StateUnresponsive:
			if !agent.reclaimed && now.Sub(agent.UnresponsiveSince) >= r.cfg.UnresponsiveGrace {
				agent.reclaimed = true
				reclaim = append(reclaim, agent.ID)
			}
		}
	}
	return transitions, reclaim
}

// Agents returns copies of every agent ordered by name then ID.
func (r *Registry) Agents() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live reports how many agents are not terminated.
func (r *Registry) Live() int {
	return len(r.byName)
}

func (r *Registry) sorted() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// finishDrain terminates an agent that asked to drain and has nothing in flight.
func (r *Registry) finishDrain(agent *Agent, now time.Time) []Transition {
	if !agent.drainRequested || agent.InFlight > 0 {
		return nil
	}
	if agent.State != StateDraining && agent.State != StateUnresponsive {
		return nil
	}
	delete(r.byName, agent.Name)
	return []Transition{r.transition(agent, StateTerminated, "drained", now)}
}

func (r *Registry) transition(agent *Agent, to State, reason string, now time.Time) Transition {
	t := Transition{
		AgentID: agent.ID,
		Name:    agent.Name,
		From:    agent.State,
		To:      to,
		Reason:  reason,
		At:      now,
	}
	agent.State = to
	return t
}
