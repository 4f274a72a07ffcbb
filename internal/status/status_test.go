package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/lodge/internal/health"
	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleStatus() *health.StatusResponse {
	return &health.StatusResponse{
		Scheduler: scheduler.Stats{
			Queued:     2,
			Running:    1,
			LiveAgents: 2,
			ByState:    map[scheduler.State]int{scheduler.StateQueued: 2, scheduler.StateRunning: 1},
		},
		Agents: []registry.Agent{
			{
				ID:            "b7e2c1d0-0000-4000-8000-000000000002",
				Name:          "summarizer",
				Capabilities:  registry.NewCapabilitySet("text", "gpu"),
				State:         registry.StateActive,
				MaxConcurrent: 2,
				InFlight:      1,
				LastHeartbeat: now.Add(-3 * time.Second),
				Stats:         registry.Stats{TasksCompleted: 5, TasksFailed: 1},
			},
			{
				ID:            "a1f0c9e8-0000-4000-8000-000000000001",
				Name:          "gpu-box",
				State:         registry.StateDraining,
				MaxConcurrent: 1,
				LastHeartbeat: now.Add(-2 * time.Hour),
			},
		},
		Bus:           eventbus.Stats{Published: 10, Dropped: 4},
		Subscriptions: []eventbus.SubscriptionInfo{{}},
	}
}

func TestFetch(t *testing.T) {
	t.Run("decodes statusz", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/statusz", r.URL.Path)
			json.NewEncoder(w).Encode(sampleStatus())
		}))
		defer srv.Close()

		st, err := Fetch(context.Background(), srv.Client(), srv.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, 2, st.Scheduler.Queued)
		require.Len(t, st.Agents, 2)
		assert.Equal(t, "summarizer", st.Agents[0].Name)
		assert.Equal(t, []string{"gpu", "text"}, st.Agents[0].Capabilities.Slice())
		assert.Equal(t, uint64(4), st.Bus.Dropped)
	})

	t.Run("assumes http scheme", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(health.StatusResponse{})
		}))
		defer srv.Close()

		_, err := Fetch(context.Background(), nil, strings.TrimPrefix(srv.URL, "http://"))
		assert.NoError(t, err)
	})

	t.Run("reports non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}))
		defer srv.Close()

		_, err := Fetch(context.Background(), nil, srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "405")
		assert.Contains(t, err.Error(), "Method not allowed")
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{oops"))
		}))
		defer srv.Close()

		_, err := Fetch(context.Background(), nil, srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode status response")
	})

	t.Run("rejects empty address", func(t *testing.T) {
		_, err := Fetch(context.Background(), nil, "")
		assert.Error(t, err)
	})

	t.Run("unreachable node", func(t *testing.T) {
		_, err := Fetch(context.Background(), nil, "127.0.0.1:9")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to reach node")
	})
}

func TestFormatTable(t *testing.T) {
	var buf bytes.Buffer
	n := FormatTable(&buf, sampleStatus(), "prod", now)
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "Instance 'prod': 2 queued, 0 delayed, 1 running, 2 live agents, queued=2, running=1")
	assert.Contains(t, out, "2 agents, 1 subscriptions, 4 events dropped")

	lines := strings.Split(out, "\n")
	var rows []string
	for _, line := range lines {
		if strings.HasPrefix(line, "a1f0c9e8") || strings.HasPrefix(line, "b7e2c1d0") {
			rows = append(rows, line)
		}
	}
	require.Len(t, rows, 2)
	// Sorted by name.
	assert.Contains(t, rows[0], "gpu-box")
	assert.Contains(t, rows[0], "draining")
	assert.Contains(t, rows[0], "2h ago")
	assert.Contains(t, rows[1], "summarizer")
	assert.Contains(t, rows[1], "1/2")
	assert.Contains(t, rows[1], "5/1")
	assert.Contains(t, rows[1], "3s ago")
}

func TestFormatTable_NoAgents(t *testing.T) {
	var buf bytes.Buffer
	n := FormatTable(&buf, &health.StatusResponse{}, "dev", now)
	assert.Equal(t, 0, n)
	assert.Contains(t, buf.String(), "No agents registered")
}

func TestFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FormatJSON(&buf, sampleStatus()))

	var decoded health.StatusResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Agents, 2)
	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{5 * time.Second, "5s ago"},
		{3 * time.Minute, "3m ago"},
		{5 * time.Hour, "5h ago"},
		{72 * time.Hour, "3d ago"},
		{-time.Second, "0s ago"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatAge(now.Add(-tt.ago), now))
		})
	}
	assert.Equal(t, "-", formatAge(time.Time{}, now))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, f)

	_, err = ParseOutputFormat("yaml")
	assert.Error(t, err)
}

func TestResolveAgent(t *testing.T) {
	agents := []registry.Agent{
		{ID: "abcd1111-0000", Name: "one"},
		{ID: "abcd2222-0000", Name: "two"},
		{ID: "ffff0000-0000", Name: "abcd"},
	}

	t.Run("exact name wins", func(t *testing.T) {
		a, err := ResolveAgent(agents, "abcd")
		require.NoError(t, err)
		assert.Equal(t, "ffff0000-0000", a.ID)
	})

	t.Run("unique prefix", func(t *testing.T) {
		a, err := ResolveAgent(agents, "abcd2")
		require.NoError(t, err)
		assert.Equal(t, "two", a.Name)
	})

	t.Run("full id", func(t *testing.T) {
		a, err := ResolveAgent(agents, "abcd1111-0000")
		require.NoError(t, err)
		assert.Equal(t, "one", a.Name)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveAgent(agents, "ab")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 4 characters")
	})

	t.Run("not found", func(t *testing.T) {
		_, err := ResolveAgent(agents, "0000")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "0000", nf.Ref)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := ResolveAgent(agents, "abcd-")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)

		_, err = ResolveAgent([]registry.Agent{{ID: "abcd1"}, {ID: "abcd2"}}, "abcd1x")
		require.ErrorAs(t, err, &nf)

		_, err = ResolveAgent([]registry.Agent{{ID: "abcd1"}, {ID: "abcd2"}}, "abcd")
		var amb *AmbiguousError
		require.ErrorAs(t, err, &amb)
		assert.Len(t, amb.Matches, 2)
		msg := FormatAmbiguousError(amb)
		assert.Contains(t, msg, "matches 2 agents")
		assert.Contains(t, msg, "  abcd1\n")
	})

	t.Run("ambiguous listing is capped", func(t *testing.T) {
		err := &AmbiguousError{Ref: "abcd", Matches: make([]string, 13)}
		assert.Contains(t, FormatAmbiguousError(err), "...and 3 more")
	})
}
