package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/internal/relay"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthCheckEndpoint_MethodNotAllowed(t *testing.T) {
	server := NewServer(":0", Options{Logger: quietLogger()})

	for _, path := range []string{"/healthz", "/statusz", "/debug/events"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestHealthCheckResponse(t *testing.T) {
	t.Run("healthy without redis", func(t *testing.T) {
		server := NewServer(":0", Options{Logger: quietLogger()})
		w := get(t, server.Handler(), "/healthz")

		assert.Equal(t, http.StatusOK, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Empty(t, resp.Redis)
	})

	t.Run("healthy when redis reachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := relay.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
		require.NoError(t, err)
		defer client.Close()

		server := NewServer(":0", Options{Redis: client, Logger: quietLogger()})
		w := get(t, server.Handler(), "/healthz")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "connected", resp.Redis)
	})

	t.Run("unhealthy when redis unavailable", func(t *testing.T) {
		// Port 9 is the discard protocol - connections will fail immediately
		client, err := relay.NewClient(&redis.Options{
			Addr:         "localhost:9",
			DialTimeout:  50 * time.Millisecond,
			ReadTimeout:  50 * time.Millisecond,
			WriteTimeout: 50 * time.Millisecond,
			MaxRetries:   -1,
		}, "test")
		require.NoError(t, err)
		defer client.Close()

		server := NewServer(":0", Options{Redis: client, Logger: quietLogger()})
		w := get(t, server.Handler(), "/healthz")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "disconnected", resp.Redis)
		assert.NotEmpty(t, resp.Error)
	})
}

func TestStatusEndpoint(t *testing.T) {
	bus := eventbus.New(eventbus.Config{Logger: quietLogger()})
	defer bus.Close()
	sched := scheduler.New(scheduler.Config{Logger: quietLogger()}, bus)
	defer sched.Close(context.Background())

	_, err := sched.RegisterAgent(registry.Descriptor{Name: "idle", MaxConcurrent: 1},
		scheduler.ExecutorFunc(func(ctx context.Context, a scheduler.Assignment, _ scheduler.Task) scheduler.Outcome {
			<-ctx.Done()
			return scheduler.Failure(a.Generation, ctx.Err())
		}))
	require.NoError(t, err)
	_, err = sched.Submit(scheduler.TaskRequest{RequiredTags: []string{"gpu"}})
	require.NoError(t, err)

	server := NewServer(":0", Options{Scheduler: sched, Bus: bus, Logger: quietLogger()})
	w := get(t, server.Handler(), "/statusz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Scheduler.Queued)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "idle", resp.Agents[0].Name)
	assert.Equal(t, uint64(2), resp.Bus.Published)
}

func TestStatusEndpoint_AgentFilter(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Logger: quietLogger()}, nil)
	defer sched.Close(context.Background())

	exec := scheduler.ExecutorFunc(func(ctx context.Context, a scheduler.Assignment, _ scheduler.Task) scheduler.Outcome {
		<-ctx.Done()
		return scheduler.Failure(a.Generation, ctx.Err())
	})
	gpuID, err := sched.RegisterAgent(registry.Descriptor{Name: "gpu-box", Capabilities: []string{"gpu"}}, exec)
	require.NoError(t, err)
	require.NoError(t, sched.ActivateAgent(gpuID))
	_, err = sched.RegisterAgent(registry.Descriptor{Name: "cpu-box", Capabilities: []string{"cpu"}}, exec)
	require.NoError(t, err)

	server := NewServer(":0", Options{Scheduler: sched, Logger: quietLogger()})
	h := server.Handler()

	names := func(path string) []string {
		t.Helper()
		w := get(t, h, path)
		require.Equal(t, http.StatusOK, w.Code, path)
		var resp StatusResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		var out []string
		for _, a := range resp.Agents {
			out = append(out, a.Name)
		}
		return out
	}

	assert.Equal(t, []string{"cpu-box", "gpu-box"}, names("/statusz"))
	assert.Equal(t, []string{"gpu-box"}, names("/statusz?capability=gpu"))
	assert.Equal(t, []string{"cpu-box"}, names("/statusz?state=registered"))
	assert.Equal(t, []string{"gpu-box"}, names("/statusz?available=true"))
	assert.Empty(t, names("/statusz?capability=gpu,cpu"))

	for _, path := range []string{"/statusz?state=sleeping", "/statusz?available=maybe"} {
		w := get(t, h, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestEventsEndpoint(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.New(eventbus.Config{Logger: quietLogger()})
	defer bus.Close()

	publish := func(et eventbus.EventType, subject string, at time.Time) {
		ev := eventbus.NewEvent(et, subject, nil)
		ev.Timestamp = at
		require.NoError(t, bus.Publish(ev))
	}
	publish(eventbus.EventTaskQueued, "t1", now.Add(-2*time.Hour))
	publish(eventbus.EventTaskAssigned, "t1", now.Add(-30*time.Minute))
	publish(eventbus.EventTaskFailed, "t1", now.Add(-10*time.Minute))
	publish(eventbus.EventTaskQueued, "t2", now.Add(-5*time.Minute))

	server := NewServer(":0", Options{Bus: bus, Logger: quietLogger(), Now: func() time.Time { return now }})
	h := server.Handler()

	decode := func(w *httptest.ResponseRecorder) []eventbus.Event {
		t.Helper()
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var events []eventbus.Event
		require.NoError(t, json.NewDecoder(w.Body).Decode(&events))
		return events
	}

	subjects := func(events []eventbus.Event) []string {
		var out []string
		for _, ev := range events {
			out = append(out, ev.Subject+":"+string(ev.Type))
		}
		return out
	}

	t.Run("newest first", func(t *testing.T) {
		events := decode(get(t, h, "/debug/events"))
		assert.Equal(t, []string{"t2:task_queued", "t1:task_failed", "t1:task_assigned", "t1:task_queued"}, subjects(events))
	})

	t.Run("since", func(t *testing.T) {
		events := decode(get(t, h, "/debug/events?since=1h"))
		assert.Len(t, events, 3)
	})

	t.Run("since and until", func(t *testing.T) {
		events := decode(get(t, h, "/debug/events?since=1h&until=8m"))
		assert.Equal(t, []string{"t1:task_failed", "t1:task_assigned"}, subjects(events))
	})

	t.Run("types and limit", func(t *testing.T) {
		events := decode(get(t, h, "/debug/events?type=task_queued,task_failed&limit=2"))
		assert.Equal(t, []string{"t2:task_queued", "t1:task_failed"}, subjects(events))
	})

	t.Run("subject", func(t *testing.T) {
		events := decode(get(t, h, "/debug/events?subject=t2"))
		assert.Equal(t, []string{"t2:task_queued"}, subjects(events))
	})

	t.Run("empty result is an array", func(t *testing.T) {
		w := get(t, h, "/debug/events?subject=nothing")
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("bad parameters", func(t *testing.T) {
		for _, target := range []string{
			"/debug/events?since=yesterday",
			"/debug/events?since=5m&until=1h",
			"/debug/events?type=task_exploded",
			"/debug/events?limit=0",
			"/debug/events?limit=many",
		} {
			assert.Equal(t, http.StatusBadRequest, get(t, h, target).Code, target)
		}
	})
}

func TestEventsEndpoint_NoBus(t *testing.T) {
	server := NewServer(":0", Options{Logger: quietLogger()})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, server.Handler(), "/debug/events").Code)
}

func TestStartAndShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", Options{Logger: quietLogger()})
	require.NoError(t, server.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
