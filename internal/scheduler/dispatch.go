package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/sirupsen/logrus"
)

// dispatchLocked assigns queued tasks in priority order until the head of the
// queue has no eligible agent. A blocked head is left in place; nothing behind
// it is considered until it can run.
func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}

	for {
		task := s.queue.peek()
		if task == nil {
			return
		}
		candidates := s.registry.Candidates(task.RequiredTags)
		if len(candidates) == 0 {
			return
		}
		s.queue.pop()
		s.assignLocked(task, candidates[0])
	}
}

// assignLocked binds task to agent, opens a new generation and starts the executor.
func (s *Scheduler) assignLocked(task *Task, agent *registry.Agent) {
	now := s.cfg.Now()
	timeout := task.Deadline
	if timeout <= 0 {
		timeout = s.cfg.DefaultDeadline
	}

	task.Generation++
	task.State = StateAssigned
	task.AgentID = agent.ID
	task.UpdatedAt = now
	if err := s.registry.Acquire(agent.ID, now); err != nil {
		// Candidates only returns live agents, so this is a bookkeeping bug.
		s.log.WithError(err).WithField("agent_id", agent.ID).Error("Failed to acquire agent slot")
	}

	assignment := Assignment{
		TaskID:     task.ID,
		AgentID:    agent.ID,
		Generation: task.Generation,
		StartedAt:  now,
		Deadline:   now.Add(timeout),
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	s.running[task.ID] = &activeAssignment{assignment: assignment, cancel: cancel}

	task.State = StateRunning
	s.emitTask(eventbus.EventTaskAssigned, task, map[string]any{
		"agent_id":   agent.ID,
		"generation": assignment.Generation,
		"deadline":   assignment.Deadline.UTC().Format(time.RFC3339Nano),
	})

	exec := s.executors[agent.ID]
	snapshot := task.Copy()
	s.wg.Add(1)
	go s.execute(ctx, exec, assignment, snapshot)
}

// endAssignmentLocked cancels the task's assignment context and frees the
// agent slot. The returned transitions must be emitted by the caller.
func (s *Scheduler) endAssignmentLocked(task *Task) []registry.Transition {
	run, ok := s.running[task.ID]
	if !ok {
		return nil
	}
	delete(s.running, task.ID)
	run.cancel()
	return s.registry.Release(run.assignment.AgentID, s.cfg.Now())
}

// forceFailLocked ends a running assignment from the scheduler side and
// routes the task through the retry path.
func (s *Scheduler) forceFailLocked(task *Task, reason string, now time.Time) {
	run, ok := s.running[task.ID]
	if !ok {
		return
	}
	agentID := run.assignment.AgentID
	transitions := s.endAssignmentLocked(task)
	s.registry.RecordResult(agentID, false, now.Sub(run.assignment.StartedAt))
	s.failLocked(task, agentID, reason, now)
	s.emitTransitions(transitions...)
}

// execute runs one assignment and reports its outcome.
func (s *Scheduler) execute(ctx context.Context, exec Executor, a Assignment, task Task) {
	defer s.wg.Done()

	outcome := s.invoke(ctx, exec, a, task)
	outcome.Generation = a.Generation

	if err := s.ReportOutcome(a.TaskID, outcome); err != nil && !IsStale(err) {
		s.log.WithFields(logrus.Fields{
			"task_id":    a.TaskID,
			"agent_id":   a.AgentID,
			"generation": a.Generation,
		}).WithError(err).Warn("Failed to report outcome")
	}
	s.settle(a)
}

// invoke calls the executor, converting a panic into a failure outcome.
func (s *Scheduler) invoke(ctx context.Context, exec Executor, a Assignment, task Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"task_id":  a.TaskID,
				"agent_id": a.AgentID,
				"panic":    fmt.Sprint(r),
			}).Error("Executor panicked")
			outcome = Failure(a.Generation, fmt.Errorf("executor panic: %v", r))
		}
	}()

	if exec == nil {
		return Failure(a.Generation, fmt.Errorf("no executor for agent %s", a.AgentID))
	}
	return exec.Execute(ctx, a, task)
}
