// Package relay mirrors the in-process event bus onto Redis so that other
// processes (`lodge watch`, dashboards) can follow a running scheduler.
//
// Every relayed event is appended to a capped log list and published on the
// instance's events channel:
//
//	lodge:{instance}:events      Pub/Sub channel, one JSON event per message
//	lodge:{instance}:event_log   LIST of the most recent JSON events
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectionID identifies the relay's subscription on the bus.
const ConnectionID = "redis-relay"

// DefaultLogSize is the number of events kept in the Redis event log.
const DefaultLogSize = 1000

// EventsChannel returns the Pub/Sub channel name for relayed events.
// Pattern: lodge:{instance_name}:events
func EventsChannel(instanceName string) string {
	return fmt.Sprintf("lodge:%s:events", instanceName)
}

// EventLogKey returns the Redis key for the capped event log.
// Pattern: lodge:{instance_name}:event_log
func EventLogKey(instanceName string) string {
	return fmt.Sprintf("lodge:%s:event_log", instanceName)
}

// Client publishes bus events to Redis and subscribes to them.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	logSize      int64
	maxRetries   uint64
}

// NewClient creates a relay client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		logSize:      DefaultLogSize,
		maxRetries:   3,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Deliver implements eventbus.Deliverer. The event is appended to the log and
// published in one transaction, retried with exponential backoff on failure.
func (c *Client) Deliver(ctx context.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	op := func() error {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, EventLogKey(c.instanceName), data)
			pipe.LTrim(ctx, EventLogKey(c.instanceName), -c.logSize, -1)
			pipe.Publish(ctx, EventsChannel(c.instanceName), data)
			return nil
		})
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)); err != nil {
		return fmt.Errorf("failed to relay event %s: %w", ev.ID, err)
	}
	return nil
}

// Attach subscribes the relay to bus for events matching filter.
// Returns the subscription ID.
func (c *Client) Attach(bus *eventbus.Bus, filter eventbus.Filter) (string, error) {
	id, err := bus.Subscribe(eventbus.Connection{ID: ConnectionID, Deliverer: c}, filter)
	if err != nil {
		return "", fmt.Errorf("failed to attach relay: %w", err)
	}
	return id, nil
}

// Attached reports whether bus holds a relay subscription.
func Attached(bus *eventbus.Bus) bool {
	for _, info := range bus.Subscriptions() {
		if info.ConnectionID == ConnectionID {
			return true
		}
	}
	return false
}

// Keep re-attaches the relay whenever the bus has torn its subscription down,
// checking every interval until ctx is cancelled.
func (c *Client) Keep(ctx context.Context, bus *eventbus.Bus, filter eventbus.Filter, interval time.Duration, log logrus.FieldLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if Attached(bus) {
				continue
			}
			id, err := c.Attach(bus, filter)
			if err != nil {
				log.WithError(err).Debug("Relay re-attach failed")
				continue
			}
			log.WithField("subscription_id", id).Warn("Relay subscription was dropped, re-attached")
		}
	}
}

// Recent returns up to limit logged events, oldest first.
func (c *Client) Recent(ctx context.Context, limit int64) ([]eventbus.Event, error) {
	if limit <= 0 {
		limit = c.logSize
	}
	raw, err := c.rdb.LRange(ctx, EventLogKey(c.instanceName), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	events := make([]eventbus.Event, 0, len(raw))
	for _, item := range raw {
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logged event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscription represents an active Pub/Sub subscription to relayed events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan eventbus.Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of relayed events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan eventbus.Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - malformed messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe follows relayed events for this instance.
// The subscription is confirmed with Redis before Subscribe returns.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	eventsChan := make(chan eventbus.Event, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev eventbus.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal relayed event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
