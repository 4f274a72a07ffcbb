package watch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/lodge/internal/relay"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRelay(t *testing.T) *relay.Client {
	mr := miniredis.RunT(t)
	client, err := relay.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func jsonLines(t *testing.T, out string) []eventbus.Event {
	t.Helper()
	var events []eventbus.Event
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var ev eventbus.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func deliver(t *testing.T, client *relay.Client, et eventbus.EventType, subject string, at time.Time) eventbus.Event {
	t.Helper()
	ev := eventbus.NewEvent(et, subject, nil)
	ev.Timestamp = at
	require.NoError(t, client.Deliver(context.Background(), ev))
	return ev
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, f)

	_, err = ParseOutputFormat("xml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format: xml")
}

func TestStreamActivity_Replay(t *testing.T) {
	client := setupRelay(t)
	now := time.Now().UTC()

	deliver(t, client, eventbus.EventTaskQueued, "old", now.Add(-2*time.Hour))
	deliver(t, client, eventbus.EventTaskQueued, "t1", now.Add(-10*time.Minute))
	deliver(t, client, eventbus.EventTaskFailed, "t1", now.Add(-5*time.Minute))
	deliver(t, client, eventbus.EventTaskQueued, "t2", now.Add(-time.Minute))

	var out bytes.Buffer
	err := StreamActivity(context.Background(), client, Options{
		Format: OutputFormatJSON,
		Since:  now.Add(-time.Hour),
		Filter: eventbus.ForSubjects("t1"),
	}, &out)
	require.NoError(t, err)

	events := jsonLines(t, out.String())
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.EventTaskQueued, events[0].Type)
	assert.Equal(t, eventbus.EventTaskFailed, events[1].Type)
}

func TestStreamActivity_NoReplayWithoutSince(t *testing.T) {
	client := setupRelay(t)
	deliver(t, client, eventbus.EventTaskQueued, "t1", time.Now())

	var out bytes.Buffer
	require.NoError(t, StreamActivity(context.Background(), client, Options{Format: OutputFormatJSON}, &out))
	assert.Empty(t, out.String())
}

func TestStreamActivity_Follow(t *testing.T) {
	client := setupRelay(t)
	replayed := deliver(t, client, eventbus.EventTaskQueued, "t1", time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- StreamActivity(ctx, client, Options{
			Format: OutputFormatJSON,
			Since:  time.Now().Add(-time.Hour),
			Follow: true,
			Filter: eventbus.ForTypes(eventbus.EventTaskQueued, eventbus.EventTaskCompleted),
		}, out)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), replayed.ID) }, 2*time.Second, 10*time.Millisecond)

	deliver(t, client, eventbus.EventTaskAssigned, "t1", time.Now())
	deliver(t, client, eventbus.EventTaskCompleted, "t1", time.Now())
	marker := eventbus.NewEvent(eventbus.EventEventsDropped, "sub-1", map[string]any{"count": 4})
	require.NoError(t, client.Deliver(context.Background(), marker))

	require.Eventually(t, func() bool { return len(jsonLines(t, out.String())) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := jsonLines(t, out.String())
	assert.Equal(t, eventbus.EventTaskQueued, events[0].Type)
	assert.Equal(t, eventbus.EventTaskCompleted, events[1].Type)
	assert.Equal(t, 4, events[2].DroppedCount())
}

func TestStreamActivity_DefaultFormat(t *testing.T) {
	client := setupRelay(t)
	deliver(t, client, eventbus.EventTaskCancelled, "t9", time.Now())

	var out bytes.Buffer
	require.NoError(t, StreamActivity(context.Background(), client, Options{Since: time.Now().Add(-time.Minute)}, &out))
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\] 🚫 Task Cancelled: id=t9`, out.String())
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    eventbus.Event
		expected string
	}{
		{
			name: "task_queued",
			event: eventbus.Event{Type: eventbus.EventTaskQueued, Subject: "t1", Payload: map[string]any{
				"priority":      3,
				"required_tags": []string{"gpu", "text"},
			}},
			expected: "📥 Task Queued: id=t1 priority=3 tags=gpu,text",
		},
		{
			name: "task_queued decoded from json",
			event: eventbus.Event{Type: eventbus.EventTaskQueued, Subject: "t1", Payload: map[string]any{
				"priority":      float64(0),
				"required_tags": []any{"gpu"},
			}},
			expected: "📥 Task Queued: id=t1 priority=0 tags=gpu",
		},
		{
			name: "task_assigned",
			event: eventbus.Event{Type: eventbus.EventTaskAssigned, Subject: "t1", Payload: map[string]any{
				"agent_id":   "a1",
				"generation": 2,
			}},
			expected: "🚀 Task Assigned: id=t1 to=a1 (generation 2)",
		},
		{
			name: "task_completed",
			event: eventbus.Event{Type: eventbus.EventTaskCompleted, Subject: "t1", Payload: map[string]any{
				"agent_id":    "a1",
				"duration_ms": 120,
			}},
			expected: "✅ Task Completed: id=t1 by=a1 in 120ms",
		},
		{
			name: "task_retrying",
			event: eventbus.Event{Type: eventbus.EventTaskRetrying, Subject: "t1", Payload: map[string]any{
				"retries":     1,
				"max_retries": 3,
				"error":       "boom",
			}},
			expected: "🔁 Task Retrying: id=t1 attempt 1/3: boom",
		},
		{
			name: "task_failed",
			event: eventbus.Event{Type: eventbus.EventTaskFailed, Subject: "t1", Payload: map[string]any{
				"error": "task t1 failed after 3 attempts: boom",
			}},
			expected: "❌ Task Failed: id=t1: task t1 failed after 3 attempts: boom",
		},
		{
			name: "task_cancelled",
			event: eventbus.Event{Type: eventbus.EventTaskCancelled, Subject: "t1", Payload: map[string]any{
				"previous_state": "running",
			}},
			expected: "🚫 Task Cancelled: id=t1 (was running)",
		},
		{
			name: "agent registered",
			event: eventbus.Event{Type: eventbus.EventAgentStateChanged, Subject: "a1", Payload: map[string]any{
				"name": "gpu-box", "from": "", "to": "registered", "reason": "",
			}},
			expected: "🤖 Agent gpu-box: new → registered",
		},
		{
			name: "agent unresponsive",
			event: eventbus.Event{Type: eventbus.EventAgentStateChanged, Subject: "a1", Payload: map[string]any{
				"name": "gpu-box", "from": "active", "to": "unresponsive", "reason": "heartbeat timeout",
			}},
			expected: "🤖 Agent gpu-box: active → unresponsive (heartbeat timeout)",
		},
		{
			name:     "events_dropped",
			event:    eventbus.Event{Type: eventbus.EventEventsDropped, Subject: "sub-1", Payload: map[string]any{"count": float64(7)}},
			expected: "⚠️  Events Dropped: 7 events missed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatEvent(tt.event))
		})
	}
}
