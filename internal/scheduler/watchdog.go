package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Run sweeps deadlines and agent liveness every SweepInterval until ctx is
// cancelled or the scheduler is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.SweepInterval.String()).Info("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watchdog stopping")
			return nil
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep expires assignments past their deadline, applies heartbeat timeouts,
// and reclaims assignments held by agents unresponsive beyond the grace period.
func (s *Scheduler) Sweep() {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()

	for _, taskID := range s.runningOrder() {
		run := s.running[taskID]
		if now.Before(run.assignment.Deadline) {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"task_id":    taskID,
			"agent_id":   run.assignment.AgentID,
			"generation": run.assignment.Generation,
		}).Warn("Assignment deadline exceeded")
		s.forceFailLocked(s.tasks[taskID], ErrDeadlineExceeded.Error(), now)
	}

	transitions, reclaim := s.registry.Sweep(now)
	s.emitTransitions(transitions...)

	for _, agentID := range reclaim {
		agent, ok := s.registry.Get(agentID)
		if !ok {
			continue
		}
		reason := (&AgentUnresponsiveError{AgentID: agentID, Since: agent.UnresponsiveSince}).Error()

		reclaimed := 0
		for _, taskID := range s.runningOrder() {
			if s.running[taskID].assignment.AgentID != agentID {
				continue
			}
			s.forceFailLocked(s.tasks[taskID], reason, now)
			reclaimed++
		}
		for taskID, run := range s.cancelling {
			if run.assignment.AgentID != agentID {
				continue
			}
			delete(s.cancelling, taskID)
			s.emitTransitions(s.registry.Release(agentID, now)...)
			reclaimed++
		}
		if reclaimed > 0 {
			s.log.WithFields(logrus.Fields{
				"agent_id":    agentID,
				"assignments": reclaimed,
			}).Warn("Reclaimed assignments from unresponsive agent")
		}
	}

	s.dispatchLocked()
}
