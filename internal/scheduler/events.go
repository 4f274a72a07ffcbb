package scheduler

import (
	"github.com/dyluth/lodge/internal/logging"
	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/sirupsen/logrus"
)

// emitTask queues a task event for publication once the lock is released.
func (s *Scheduler) emitTask(eventType eventbus.EventType, task *Task, payload map[string]any) {
	ev := eventbus.NewEvent(eventType, task.ID, payload)
	ev.Timestamp = s.cfg.Now().UTC()
	s.outbox = append(s.outbox, ev)

	fields := logrus.Fields{"task_id": task.ID, "state": string(task.State)}
	for k, v := range payload {
		fields[k] = v
	}
	switch eventType {
	case eventbus.EventTaskFailed:
		s.log.WithFields(fields).Warn(string(eventType))
	case eventbus.EventTaskCompleted, eventbus.EventTaskRetrying:
		logging.Event(s.log, string(eventType), fields)
	default:
		s.log.WithFields(fields).Debug(string(eventType))
	}
}

// emitTransitions queues an agent_state_changed event per transition.
func (s *Scheduler) emitTransitions(transitions ...registry.Transition) {
	for _, t := range transitions {
		ev := eventbus.NewEvent(eventbus.EventAgentStateChanged, t.AgentID, map[string]any{
			"name":   t.Name,
			"from":   string(t.From),
			"to":     string(t.To),
			"reason": t.Reason,
		})
		ev.Timestamp = t.At.UTC()
		s.outbox = append(s.outbox, ev)

		logging.Event(s.log, string(eventbus.EventAgentStateChanged), logrus.Fields{
			"agent_id": t.AgentID,
			"name":     t.Name,
			"from":     string(t.From),
			"to":       string(t.To),
			"reason":   t.Reason,
		})
	}
}

// flush publishes pending events. Batches are taken and published under
// pubMu so concurrent callers cannot reorder them.
func (s *Scheduler) flush() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	events := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	for _, ev := range events {
		if err := s.bus.Publish(ev); err != nil {
			s.log.WithFields(logrus.Fields{
				"event_type": string(ev.Type),
				"subject":    ev.Subject,
			}).WithError(err).Debug("Failed to publish event")
		}
	}
}
