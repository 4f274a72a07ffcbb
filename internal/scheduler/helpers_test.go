package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// recorder captures published events in order.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(ev eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Event, len(r.events))
	copy(out, r.events)
	return out
}

// types returns the event types published about subject, in order.
func (r *recorder) types(subject string) []eventbus.EventType {
	var out []eventbus.EventType
	for _, ev := range r.all() {
		if ev.Subject == subject {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) count(eventType eventbus.EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualExecutor blocks each assignment until the test finishes it or the
// assignment context ends.
type manualExecutor struct {
	started chan Assignment
	mu      sync.Mutex
	results map[string]chan Outcome
}

func newManualExecutor() *manualExecutor {
	return &manualExecutor{
		started: make(chan Assignment, 64),
		results: make(map[string]chan Outcome),
	}
}

func (m *manualExecutor) resultChan(taskID string) chan Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.results[taskID]
	if !ok {
		ch = make(chan Outcome, 1)
		m.results[taskID] = ch
	}
	return ch
}

func (m *manualExecutor) Execute(ctx context.Context, a Assignment, task Task) Outcome {
	results := m.resultChan(task.ID)
	m.started <- a
	select {
	case o := <-results:
		return o
	case <-ctx.Done():
		return Failure(a.Generation, ctx.Err())
	}
}

func (m *manualExecutor) succeed(taskID string) {
	m.resultChan(taskID) <- Success(0, []byte("ok"))
}

func (m *manualExecutor) fail(taskID string, err error) {
	m.resultChan(taskID) <- Failure(0, err)
}

// next waits for the next assignment to start.
func (m *manualExecutor) next(t *testing.T) Assignment {
	t.Helper()
	select {
	case a := <-m.started:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an assignment to start")
		return Assignment{}
	}
}

// none asserts that no assignment starts within a short window.
func (m *manualExecutor) none(t *testing.T) {
	t.Helper()
	select {
	case a := <-m.started:
		t.Fatalf("unexpected assignment of task %s", a.TaskID)
	case <-time.After(50 * time.Millisecond):
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *recorder) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	rec := &recorder{}
	s := New(cfg, rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return s, rec
}

// addAgent registers and activates an agent.
func addAgent(t *testing.T, s *Scheduler, name string, max int, exec Executor, caps ...string) string {
	t.Helper()
	id, err := s.RegisterAgent(registry.Descriptor{Name: name, Capabilities: caps, MaxConcurrent: max}, exec)
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(id))
	return id
}

func submit(t *testing.T, s *Scheduler, id string, priority int, tags ...string) string {
	t.Helper()
	taskID, err := s.Submit(TaskRequest{ID: id, Priority: priority, RequiredTags: tags})
	require.NoError(t, err)
	return taskID
}

func waitState(t *testing.T, s *Scheduler, taskID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := s.Get(taskID)
		return err == nil && task.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
}
