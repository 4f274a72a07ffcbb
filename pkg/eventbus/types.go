package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags what kind of transition an event describes.
type EventType string

const (
	// EventTaskQueued is published when a task enters the queue on submission.
	EventTaskQueued EventType = "task_queued"

	// EventTaskAssigned is published when a task is bound to an agent and starts running.
	EventTaskAssigned EventType = "task_assigned"

	// EventTaskCompleted is published when an agent reports success for the current assignment.
	EventTaskCompleted EventType = "task_completed"

	// EventTaskRetrying is published when a failed task is put back in its priority band.
	EventTaskRetrying EventType = "task_retrying"

	// EventTaskFailed is published when a task has exhausted its retries.
	EventTaskFailed EventType = "task_failed"

	// EventTaskCancelled is published when a queued or running task is cancelled.
	EventTaskCancelled EventType = "task_cancelled"

	// EventAgentStateChanged is published on every agent lifecycle transition.
	EventAgentStateChanged EventType = "agent_state_changed"

	// EventEventsDropped is the synthetic marker delivered after buffer overflow.
	EventEventsDropped EventType = "events_dropped"
)

// Validate checks that the event type is one of the known types.
func (t EventType) Validate() error {
	switch t {
	case EventTaskQueued, EventTaskAssigned, EventTaskCompleted, EventTaskRetrying,
		EventTaskFailed, EventTaskCancelled, EventAgentStateChanged, EventEventsDropped:
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", string(t))
	}
}

// Event is an immutable notification about a task or agent transition.
// Payload maps are shared between subscribers and must not be modified after publication.
type Event struct {
	ID        string         `json:"id"`                // UUID assigned at creation
	Seq       uint64         `json:"seq"`               // Bus-wide publication sequence, set by Publish
	Type      EventType      `json:"type"`              // What happened
	Subject   string         `json:"subject"`           // Task ID or agent ID the event is about
	Payload   map[string]any `json:"payload,omitempty"` // Type-specific details
	Timestamp time.Time      `json:"timestamp"`         // When the transition happened
}

// NewEvent builds an event stamped with a fresh ID and the current time.
// The payload map is copied so later changes by the caller are not visible to subscribers.
func NewEvent(eventType EventType, subject string, payload map[string]any) Event {
	var copied map[string]any
	if len(payload) > 0 {
		copied = make(map[string]any, len(payload))
		for k, v := range payload {
			copied[k] = v
		}
	}

	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Payload:   copied,
		Timestamp: time.Now().UTC(),
	}
}

// Validate performs structural validation on an event before publication.
func (e Event) Validate() error {
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.Subject == "" {
		return fmt.Errorf("event subject is required")
	}
	return nil
}

// DroppedCount returns the "count" payload of an EventEventsDropped marker, or 0.
func (e Event) DroppedCount() int {
	if e.Type != EventEventsDropped {
		return 0
	}
	// Events decoded from JSON carry numbers as float64.
	switch count := e.Payload["count"].(type) {
	case int:
		return count
	case float64:
		return int(count)
	}
	return 0
}

// Deliverer is the per-connection delivery capability.
// Deliver should honour ctx cancellation; an error tears down the subscription.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, ev Event) error

// Deliver calls f(ctx, ev).
func (f DelivererFunc) Deliver(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ChannelDeliverer returns a Deliverer that sends events on ch,
// blocking until the channel accepts the event or ctx ends.
func ChannelDeliverer(ch chan<- Event) Deliverer {
	return DelivererFunc(func(ctx context.Context, ev Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Connection is an observer's handle: a stable identity plus a way to deliver events to it.
// All subscriptions made with the same ID are torn down together by DisconnectConnection.
type Connection struct {
	ID        string
	Deliverer Deliverer
}

// Validate checks that the connection can be subscribed.
func (c Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	if c.Deliverer == nil {
		return fmt.Errorf("connection %s has no deliverer", c.ID)
	}
	return nil
}
