package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events; it can be gated to simulate a slow subscriber.
type collector struct {
	mu      sync.Mutex
	events  []Event
	gate    chan struct{} // if non-nil, each Deliver waits for a token
	entered chan Event    // if non-nil, receives each event as Deliver starts
	failOn  EventType
}

func (c *collector) Deliver(ctx context.Context, ev Event) error {
	if c.entered != nil {
		c.entered <- ev
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.failOn != "" && ev.Type == c.failOn {
		return errors.New("connection reset")
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func subjects(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Subject
	}
	return out
}

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	bus := New(Config{BufferCapacity: capacity})
	t.Cleanup(bus.Close)
	return bus
}

func TestBus_PublishFanOut(t *testing.T) {
	bus := newTestBus(t, 16)

	a := &collector{}
	b := &collector{}
	_, err := bus.Subscribe(Connection{ID: "conn-a", Deliverer: a}, Filter{})
	require.NoError(t, err)
	_, err = bus.Subscribe(Connection{ID: "conn-b", Deliverer: b}, ForTypes(EventTaskCompleted))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, "task-1", nil)))
	require.NoError(t, bus.Publish(NewEvent(EventTaskCompleted, "task-1", nil)))

	require.Eventually(t, func() bool { return len(a.received()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.received()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, EventTaskCompleted, b.received()[0].Type)
	assert.Equal(t, uint64(1), a.received()[0].Seq)
	assert.Equal(t, uint64(2), a.received()[1].Seq)
}

func TestBus_PerSubscriberOrder(t *testing.T) {
	bus := newTestBus(t, 1000)

	c := &collector{}
	_, err := bus.Subscribe(Connection{ID: "conn", Deliverer: c}, Filter{})
	require.NoError(t, err)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, fmt.Sprintf("task-%d", i), nil)))
	}

	require.Eventually(t, func() bool { return len(c.received()) == n }, 2*time.Second, 5*time.Millisecond)
	for i, ev := range c.received() {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestBus_OverflowDropsOldestAndMarks(t *testing.T) {
	bus := newTestBus(t, 2)

	c := &collector{gate: make(chan struct{}), entered: make(chan Event, 16)}
	subID, err := bus.Subscribe(Connection{ID: "slow", Deliverer: c}, Filter{})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, "e1", nil)))
	// e1 is now held inside Deliver; the buffer is empty.
	first := <-c.entered
	assert.Equal(t, "e1", first.Subject)

	for _, subject := range []string{"e2", "e3", "e4", "e5"} {
		require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, subject, nil)))
	}

	// Release all pending deliveries.
	go func() {
		for i := 0; i < 4; i++ {
			c.gate <- struct{}{}
		}
	}()
	go func() {
		for range c.entered {
		}
	}()

	require.Eventually(t, func() bool { return len(c.received()) == 4 }, time.Second, 5*time.Millisecond)

	got := c.received()
	assert.Equal(t, []string{"e1", subID, "e4", "e5"}, subjects(got))
	assert.Equal(t, EventEventsDropped, got[1].Type)
	assert.Equal(t, 2, got[1].DroppedCount())

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, uint64(5), stats.Published)
}

func TestBus_MarkerBypassesFilter(t *testing.T) {
	bus := newTestBus(t, 1)

	c := &collector{gate: make(chan struct{}), entered: make(chan Event, 16)}
	_, err := bus.Subscribe(Connection{ID: "slow", Deliverer: c}, ForTypes(EventTaskFailed))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventTaskFailed, "t1", nil)))
	<-c.entered
	require.NoError(t, bus.Publish(NewEvent(EventTaskFailed, "t2", nil)))
	require.NoError(t, bus.Publish(NewEvent(EventTaskFailed, "t3", nil)))

	go func() {
		for i := 0; i < 3; i++ {
			c.gate <- struct{}{}
		}
	}()
	go func() {
		for range c.entered {
		}
	}()

	require.Eventually(t, func() bool { return len(c.received()) == 3 }, time.Second, 5*time.Millisecond)
	got := c.received()
	assert.Equal(t, EventEventsDropped, got[1].Type)
	assert.Equal(t, 1, got[1].DroppedCount())
	assert.Equal(t, "t3", got[2].Subject)
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := newTestBus(t, 4)

	stuck := &collector{gate: make(chan struct{})}
	fast := &collector{}
	_, err := bus.Subscribe(Connection{ID: "stuck", Deliverer: stuck}, Filter{})
	require.NoError(t, err)
	_, err = bus.Subscribe(Connection{ID: "fast", Deliverer: fast}, Filter{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = bus.Publish(NewEvent(EventTaskQueued, fmt.Sprintf("t%d", i), nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
}

func TestBus_DeliveryErrorTearsDown(t *testing.T) {
	bus := newTestBus(t, 16)

	c := &collector{failOn: EventTaskFailed}
	_, err := bus.Subscribe(Connection{ID: "flaky", Deliverer: c}, Filter{})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, "t1", nil)))
	require.NoError(t, bus.Publish(NewEvent(EventTaskFailed, "t1", nil)))

	require.Eventually(t, func() bool { return bus.Stats().Subscriptions == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), bus.Stats().Failed)

	require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, "t2", nil)))
	assert.Equal(t, []string{"t1"}, subjects(c.received()))
}

func TestBus_UnsubscribeAndDisconnect(t *testing.T) {
	bus := newTestBus(t, 16)

	c := &collector{}
	id1, err := bus.Subscribe(Connection{ID: "conn", Deliverer: c}, Filter{})
	require.NoError(t, err)
	_, err = bus.Subscribe(Connection{ID: "conn", Deliverer: c}, ForSubjects("t1"))
	require.NoError(t, err)
	_, err = bus.Subscribe(Connection{ID: "other", Deliverer: c}, Filter{})
	require.NoError(t, err)

	t.Run("unsubscribe known id", func(t *testing.T) {
		assert.True(t, bus.Unsubscribe(id1))
		assert.False(t, bus.Unsubscribe(id1))
	})

	t.Run("disconnect removes remaining subscriptions of connection", func(t *testing.T) {
		assert.Equal(t, 1, bus.DisconnectConnection("conn"))
		assert.Equal(t, 0, bus.DisconnectConnection("conn"))
		infos := bus.Subscriptions()
		require.Len(t, infos, 1)
		assert.Equal(t, "other", infos[0].ConnectionID)
	})
}

func TestBus_Validation(t *testing.T) {
	bus := newTestBus(t, 16)

	t.Run("connection without id", func(t *testing.T) {
		_, err := bus.Subscribe(Connection{Deliverer: &collector{}}, Filter{})
		assert.Error(t, err)
	})

	t.Run("connection without deliverer", func(t *testing.T) {
		_, err := bus.Subscribe(Connection{ID: "x"}, Filter{})
		assert.Error(t, err)
	})

	t.Run("unknown event type", func(t *testing.T) {
		err := bus.Publish(NewEvent(EventType("nope"), "t1", nil))
		assert.Error(t, err)
	})

	t.Run("reserved marker type", func(t *testing.T) {
		err := bus.Publish(NewEvent(EventEventsDropped, "t1", nil))
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		err := bus.Publish(NewEvent(EventTaskQueued, "", nil))
		assert.Error(t, err)
	})
}

func TestBus_Close(t *testing.T) {
	bus := New(Config{})

	c := &collector{gate: make(chan struct{})}
	_, err := bus.Subscribe(Connection{ID: "conn", Deliverer: c}, Filter{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(NewEvent(EventTaskQueued, "t1", nil)))

	bus.Close()
	bus.Close()

	assert.ErrorIs(t, bus.Publish(NewEvent(EventTaskQueued, "t2", nil)), ErrClosed)
	_, err = bus.Subscribe(Connection{ID: "late", Deliverer: c}, Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelDeliverer(t *testing.T) {
	bus := newTestBus(t, 16)

	ch := make(chan Event, 4)
	_, err := bus.Subscribe(Connection{ID: "chan", Deliverer: ChannelDeliverer(ch)}, Filter{})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventAgentStateChanged, "agent-1", map[string]any{"to": "active"})))

	select {
	case ev := <-ch:
		assert.Equal(t, "agent-1", ev.Subject)
		assert.Equal(t, "active", ev.Payload["to"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
