// Package health serves the scheduler's HTTP health and diagnostics endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/dyluth/lodge/internal/timespec"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/sirupsen/logrus"
)

// DefaultEventLimit caps /debug/events responses when no limit is given.
const DefaultEventLimit = 100

// Pinger checks connectivity to a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerSource is the read-only view of the scheduler used by /statusz.
type SchedulerSource interface {
	Stats() scheduler.Stats
	ListAgents(filter scheduler.AgentFilter) []registry.Agent
}

// BusSource is the read-only view of the event bus.
type BusSource interface {
	Stats() eventbus.Stats
	Subscriptions() []eventbus.SubscriptionInfo
	History(q eventbus.Query) []eventbus.Event
}

// Options wires the server to the running components.
// Redis may be nil when the instance runs without Redis.
type Options struct {
	Redis     Pinger
	Scheduler SchedulerSource
	Bus       BusSource
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Server provides HTTP health check and diagnostics endpoints.
type Server struct {
	opts   Options
	server *http.Server
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the JSON body of /statusz.
type StatusResponse struct {
	Scheduler     scheduler.Stats             `json:"scheduler"`
	Agents        []registry.Agent            `json:"agents"`
	Bus           eventbus.Stats              `json:"bus"`
	Subscriptions []eventbus.SubscriptionInfo `json:"subscriptions"`
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{opts: opts}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/statusz", s.statusHandler)
	mux.HandleFunc("/debug/events", s.eventsHandler)
	return mux
}

// Start binds the listener and serves in the background.
// Bind errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.opts.Logger.WithField("addr", ln.Addr().String()).Info("Health server listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.opts.Logger.WithError(err).Error("Health server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible or not configured, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{Status: "healthy"}
	if s.opts.Redis == nil {
		writeJSON(w, http.StatusOK, response)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.opts.Redis.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Redis = "connected"
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseAgentFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp StatusResponse
	if s.opts.Scheduler != nil {
		resp.Scheduler = s.opts.Scheduler.Stats()
		resp.Agents = s.opts.Scheduler.ListAgents(filter)
	}
	if s.opts.Bus != nil {
		resp.Bus = s.opts.Bus.Stats()
		resp.Subscriptions = s.opts.Bus.Subscriptions()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseAgentFilter reads ?state=&capability=&available= from /statusz.
// capability accepts a comma-separated list; all must match.
func parseAgentFilter(r *http.Request) (scheduler.AgentFilter, error) {
	params := r.URL.Query()
	var filter scheduler.AgentFilter

	if state := params.Get("state"); state != "" {
		st, err := registry.ParseState(state)
		if err != nil {
			return filter, err
		}
		filter.State = st
	}
	if caps := params.Get("capability"); caps != "" {
		for _, tag := range strings.Split(caps, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Capabilities = append(filter.Capabilities, tag)
			}
		}
	}
	if available := params.Get("available"); available != "" {
		v, err := strconv.ParseBool(available)
		if err != nil {
			return filter, fmt.Errorf("invalid available: %q", available)
		}
		filter.Available = v
	}
	return filter, nil
}

// eventsHandler handles GET /debug/events?since=&until=&type=&subject=&limit=.
// type accepts a comma-separated list. Events are returned newest first.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Bus == nil {
		http.Error(w, "event history unavailable", http.StatusServiceUnavailable)
		return
	}

	q, err := s.parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events := s.opts.Bus.History(q)
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) parseQuery(r *http.Request) (eventbus.Query, error) {
	params := r.URL.Query()
	q := eventbus.Query{Subject: params.Get("subject"), Limit: DefaultEventLimit}

	since, until, err := timespec.ParseRange(params.Get("since"), params.Get("until"), s.opts.Now())
	if err != nil {
		return q, err
	}
	q.Since, q.Until = since, until

	if types := params.Get("type"); types != "" {
		for _, name := range strings.Split(types, ",") {
			et := eventbus.EventType(strings.TrimSpace(name))
			if err := et.Validate(); err != nil {
				return q, err
			}
			q.Types = append(q.Types, et)
		}
	}

	if limit := params.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return q, fmt.Errorf("invalid limit: %q", limit)
		}
		q.Limit = n
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
