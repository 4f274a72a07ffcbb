package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// HeartbeatSink receives liveness for agents known by name.
// *scheduler.Scheduler satisfies it.
type HeartbeatSink interface {
	AgentIDByName(name string) (string, bool)
	Heartbeat(agentID string) error
}

// HeartbeatListener forwards worker heartbeats published on Redis to a sink.
type HeartbeatListener struct {
	rdb          *redis.Client
	instanceName string
	sink         HeartbeatSink
	logger       logrus.FieldLogger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewHeartbeatListener creates a listener for the instance's heartbeat channel.
func NewHeartbeatListener(rdb *redis.Client, instanceName string, sink HeartbeatSink, logger logrus.FieldLogger) (*HeartbeatListener, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if sink == nil {
		return nil, fmt.Errorf("heartbeat sink is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HeartbeatListener{
		rdb:          rdb,
		instanceName: instanceName,
		sink:         sink,
		logger:       logger,
		ready:        make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is subscribed.
func (l *HeartbeatListener) Ready() <-chan struct{} {
	return l.ready
}

// Run forwards heartbeats until ctx is cancelled.
// Heartbeats from unknown agents are ignored.
func (l *HeartbeatListener) Run(ctx context.Context) error {
	pubsub := l.rdb.Subscribe(ctx, HeartbeatsChannel(l.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	defer pubsub.Close()
	l.readyOnce.Do(func() { close(l.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.forward(msg.Payload)
		}
	}
}

func (l *HeartbeatListener) forward(payload string) {
	var hb Heartbeat
	if err := json.Unmarshal([]byte(payload), &hb); err != nil {
		l.logger.WithError(err).Warn("Skipping malformed heartbeat")
		return
	}

	agentID, ok := l.sink.AgentIDByName(hb.Agent)
	if !ok {
		l.logger.WithField("agent", hb.Agent).Debug("Heartbeat from unknown agent")
		return
	}
	if err := l.sink.Heartbeat(agentID); err != nil {
		l.logger.WithError(err).WithField("agent", hb.Agent).Warn("Failed to record heartbeat")
	}
}
