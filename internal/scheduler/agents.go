package scheduler

import (
	"fmt"

	"github.com/dyluth/lodge/internal/registry"
)

// RegisterAgent adds an agent in the registered state and binds its executor.
// The agent receives work after its first Heartbeat or ActivateAgent call.
func (s *Scheduler) RegisterAgent(desc registry.Descriptor, exec Executor) (string, error) {
	if exec == nil {
		return "", fmt.Errorf("agent %s: executor is required", desc.Name)
	}

	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	agent, transition, err := s.registry.Register(desc, s.cfg.Now())
	if err != nil {
		return "", err
	}
	s.executors[agent.ID] = exec
	s.emitTransitions(transition)
	return agent.ID, nil
}

// ActivateAgent moves a registered agent to active without waiting for a heartbeat.
func (s *Scheduler) ActivateAgent(agentID string) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	transitions, err := s.registry.Activate(agentID, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("failed to activate agent: %w", err)
	}
	s.emitTransitions(transitions...)
	s.dispatchLocked()
	return nil
}

// Heartbeat records agent liveness.
func (s *Scheduler) Heartbeat(agentID string) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	transitions, err := s.registry.Heartbeat(agentID, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	s.emitTransitions(transitions...)
	if len(transitions) > 0 {
		s.dispatchLocked()
	}
	return nil
}

// UpdateCapacity changes an agent's concurrency ceiling. In-flight work is
// never cancelled when the ceiling drops.
func (s *Scheduler) UpdateCapacity(agentID string, maxConcurrent int) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	increased, err := s.registry.UpdateCapacity(agentID, maxConcurrent)
	if err != nil {
		return fmt.Errorf("failed to update capacity: %w", err)
	}
	if increased {
		s.dispatchLocked()
	}
	return nil
}

// DrainAgent stops new assignments to an agent. It terminates once its
// in-flight assignments finish.
func (s *Scheduler) DrainAgent(agentID string) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	transitions, err := s.registry.Drain(agentID, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("failed to drain agent: %w", err)
	}
	s.emitTransitions(transitions...)
	return nil
}

// Agent returns a copy of one agent record.
func (s *Scheduler) Agent(agentID string) (registry.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.registry.Get(agentID)
	if !ok {
		return registry.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.Copy(), nil
}

// AgentIDByName resolves the live agent using name.
func (s *Scheduler) AgentIDByName(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.registry.ByName(name)
	if !ok {
		return "", false
	}
	return agent.ID, true
}

// Agents returns copies of every agent, including terminated ones.
func (s *Scheduler) Agents() []registry.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Agents()
}

// AgentFilter narrows ListAgents. Zero fields match everything.
type AgentFilter struct {
	State registry.State
	// Capabilities must all be present on the agent.
	Capabilities []string
	// Available keeps only active agents with spare capacity.
	Available bool
}

// ListAgents returns copies of matching agents ordered by name.
func (s *Scheduler) ListAgents(filter AgentFilter) []registry.Agent {
	all := s.Agents()
	out := all[:0]
	for _, agent := range all {
		if filter.State != "" && agent.State != filter.State {
			continue
		}
		if !agent.Capabilities.Superset(filter.Capabilities) {
			continue
		}
		if filter.Available && !agent.Eligible() {
			continue
		}
		out = append(out, agent)
	}
	return out
}
