// Package scheduler implements the lodge task dispatcher: a priority queue of
// tasks matched to registered agents by capability and spare capacity, with
// retries, per-assignment deadlines and heartbeat based reclamation.
//
// All queue, task and agent state is guarded by a single mutex. Executors run
// on their own goroutines and report back through ReportOutcome. Events are
// collected while the lock is held and published to the bus afterwards, in the
// order the transitions happened.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultPriorityMax       = 9
	DefaultMaxRetries        = 3
	DefaultDeadline          = 5 * time.Minute
	DefaultMaxPayloadBytes   = 1 << 20
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultUnresponsiveGrace = 30 * time.Second
	DefaultSweepInterval     = time.Second
)

// Publisher receives scheduler events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ev eventbus.Event) error
}

// Config holds scheduler tuning parameters.
type Config struct {
	// PriorityMin and PriorityMax bound accepted priorities (inclusive).
	// Lower values are more urgent. Both zero means 0..9 unless PriorityRangeSet.
	PriorityMin      int
	PriorityMax      int
	PriorityRangeSet bool

	// MaxRetries is the number of failures after which a task is terminally failed.
	MaxRetries int

	DefaultDeadline   time.Duration
	MaxPayloadBytes   int
	HeartbeatTimeout  time.Duration
	UnresponsiveGrace time.Duration
	SweepInterval     time.Duration

	// Retry decides the delay before a failed task re-enters the queue.
	Retry RetryPolicy

	// Now is the clock used for timestamps, deadlines and liveness.
	Now func() time.Time

	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if !c.PriorityRangeSet && c.PriorityMin == 0 && c.PriorityMax == 0 {
		c.PriorityMax = DefaultPriorityMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = DefaultDeadline
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.UnresponsiveGrace <= 0 {
		c.UnresponsiveGrace = DefaultUnresponsiveGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Retry == nil {
		c.Retry = ImmediateRetry{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// activeAssignment is a running task's assignment plus its cancel signal.
type activeAssignment struct {
	assignment Assignment
	cancel     context.CancelFunc
}

// Scheduler is the single dispatch authority for tasks and agents.
type Scheduler struct {
	cfg Config
	bus Publisher
	log logrus.FieldLogger

	// ctx parents every assignment context and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*Task
	queue    *readyQueue
	delayed  map[string]*time.Timer
	running  map[string]*activeAssignment
	registry *registry.Registry

	// cancelling holds cancelled assignments whose executor has not returned.
	// They keep their agent slot until it does.
	cancelling map[string]*activeAssignment

	executors map[string]Executor
	outbox    []eventbus.Event
	closed    bool

	// pubMu keeps outbox batches in production order.
	pubMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a scheduler publishing to bus. A nil bus discards events.
func New(cfg Config, bus Publisher) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		bus:     bus,
		log:     cfg.Logger.WithField("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
		queue:   newReadyQueue(),
		delayed: make(map[string]*time.Timer),
		running: make(map[string]*activeAssignment),

		cancelling: make(map[string]*activeAssignment),
		registry: registry.New(registry.Config{
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			UnresponsiveGrace: cfg.UnresponsiveGrace,
		}),
		executors: make(map[string]Executor),
	}
}

// Config returns the effective configuration after defaults.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Submit validates and enqueues a task, then runs the assignment loop.
// It never waits for execution.
func (s *Scheduler) Submit(req TaskRequest) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}

	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, exists := s.tasks[id]; exists {
		return "", &InvalidTaskError{Reason: fmt.Sprintf("task id %s already exists", id)}
	}

	now := s.cfg.Now()
	task := &Task{
		ID:        id,
		Payload:   req.Payload.clone(),
		Priority:  req.Priority,
		Deadline:  req.Deadline,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		index:     -1,
	}
	if len(req.RequiredTags) > 0 {
		task.RequiredTags = append([]string(nil), req.RequiredTags...)
	}

	s.tasks[id] = task
	s.queue.push(task)
	s.emitTask(eventbus.EventTaskQueued, task, map[string]any{
		"priority":      task.Priority,
		"required_tags": task.RequiredTags,
		"retries":       task.Retries,
	})

	s.dispatchLocked()
	return id, nil
}

func (s *Scheduler) validate(req TaskRequest) error {
	if req.Priority < s.cfg.PriorityMin || req.Priority > s.cfg.PriorityMax {
		return &InvalidTaskError{Reason: fmt.Sprintf("priority %d outside range [%d, %d]",
			req.Priority, s.cfg.PriorityMin, s.cfg.PriorityMax)}
	}
	for i, tag := range req.RequiredTags {
		if tag == "" {
			return &InvalidTaskError{Reason: fmt.Sprintf("required tag at index %d is empty", i)}
		}
	}
	if size := req.Payload.Size(); size > s.cfg.MaxPayloadBytes {
		return &InvalidTaskError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", size, s.cfg.MaxPayloadBytes)}
	}
	if req.Deadline < 0 {
		return &InvalidTaskError{Reason: "deadline must not be negative"}
	}
	return nil
}

// Cancel stops a task. A queued task is removed from the queue; a running
// task has its assignment context cancelled and keeps its agent slot until
// the executor returns. Returns false for terminal or unknown tasks.
func (s *Scheduler) Cancel(taskID string) bool {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.State.Terminal() {
		return false
	}

	previous := task.State
	switch previous {
	case StateQueued:
		if timer, delayed := s.delayed[taskID]; delayed {
			timer.Stop()
			delete(s.delayed, taskID)
		} else {
			s.queue.remove(task)
		}
	case StateAssigned, StateRunning:
		if run, ok := s.running[taskID]; ok {
			delete(s.running, taskID)
			run.cancel()
			s.cancelling[taskID] = run
		}
	}

	task.State = StateCancelled
	task.UpdatedAt = s.cfg.Now()
	s.emitTask(eventbus.EventTaskCancelled, task, map[string]any{
		"previous_state": string(previous),
		"agent_id":       task.AgentID,
	})

	s.dispatchLocked()
	return true
}

// settle frees the slot of a cancelled assignment once its executor returned.
func (s *Scheduler) settle(a Assignment) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.cancelling[a.TaskID]
	if !ok || run.assignment.Generation != a.Generation {
		return
	}
	delete(s.cancelling, a.TaskID)
	s.emitTransitions(s.registry.Release(run.assignment.AgentID, s.cfg.Now())...)
	s.dispatchLocked()
}

// ReportOutcome records an agent's result for the task's current assignment.
// Reports for any other generation return *AssignmentStaleError and change nothing.
func (s *Scheduler) ReportOutcome(taskID string, outcome Outcome) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	run, active := s.running[taskID]
	if !active || task.State != StateRunning || outcome.Generation != task.Generation {
		err := &AssignmentStaleError{TaskID: taskID, Reported: outcome.Generation, Current: task.Generation}
		s.log.WithFields(logrus.Fields{
			"task_id":    taskID,
			"reported":   outcome.Generation,
			"current":    task.Generation,
			"task_state": string(task.State),
		}).Debug("Discarding stale outcome")
		return err
	}

	now := s.cfg.Now()
	agentID := run.assignment.AgentID
	took := now.Sub(run.assignment.StartedAt)
	transitions := s.endAssignmentLocked(task)

	if outcome.Err == nil {
		task.State = StateSucceeded
		task.Result = append([]byte(nil), outcome.Result...)
		task.UpdatedAt = now
		s.registry.RecordResult(agentID, true, took)
		s.emitTask(eventbus.EventTaskCompleted, task, map[string]any{
			"agent_id":    agentID,
			"generation":  task.Generation,
			"duration_ms": took.Milliseconds(),
		})
	} else {
		s.registry.RecordResult(agentID, false, took)
		s.failLocked(task, agentID, outcome.Err.Error(), now)
	}
	s.emitTransitions(transitions...)

	s.dispatchLocked()
	return nil
}

// failLocked charges one failure to task and either re-queues it at the back
// of its band or marks it terminally failed.
func (s *Scheduler) failLocked(task *Task, agentID, reason string, now time.Time) {
	task.Retries++
	task.LastError = reason
	task.UpdatedAt = now

	if task.Retries < s.cfg.MaxRetries {
		task.State = StateQueued
		delay := s.cfg.Retry.Delay(task.Retries)
		s.emitTask(eventbus.EventTaskRetrying, task, map[string]any{
			"agent_id":    agentID,
			"retries":     task.Retries,
			"max_retries": s.cfg.MaxRetries,
			"error":       reason,
			"delay_ms":    delay.Milliseconds(),
		})

		if delay > 0 && !s.closed {
			taskID := task.ID
			s.delayed[taskID] = time.AfterFunc(delay, func() { s.promote(taskID) })
			return
		}
		s.queue.push(task)
		return
	}

	task.State = StateFailed
	exhausted := &TaskExhaustedError{TaskID: task.ID, Attempts: task.Retries, LastError: reason}
	s.emitTask(eventbus.EventTaskFailed, task, map[string]any{
		"agent_id": agentID,
		"retries":  task.Retries,
		"error":    exhausted.Error(),
	})
}

// promote moves a task whose retry delay elapsed into the ready queue.
func (s *Scheduler) promote(taskID string) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.delayed[taskID]; !ok {
		return
	}
	delete(s.delayed, taskID)

	task, ok := s.tasks[taskID]
	if !ok || task.State != StateQueued {
		return
	}
	s.queue.push(task)
	s.dispatchLocked()
}

// Get returns a copy of the task.
func (s *Scheduler) Get(taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Copy(), nil
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	State   State
	AgentID string
}

// List returns copies of matching tasks ordered by creation time then ID.
func (s *Scheduler) List(filter ListFilter) []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.State != "" && task.State != filter.State {
			continue
		}
		if filter.AgentID != "" && task.AgentID != filter.AgentID {
			continue
		}
		out = append(out, task.Copy())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarizes scheduler state.
type Stats struct {
	Queued     int           `json:"queued"`
	Delayed    int           `json:"delayed"`
	Running    int           `json:"running"`
	ByState    map[State]int `json:"by_state"`
	LiveAgents int           `json:"live_agents"`
}

// Stats returns queue depth and per-state task counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byState := make(map[State]int)
	for _, task := range s.tasks {
		byState[task.State]++
	}
	return Stats{
		Queued:     s.queue.len(),
		Delayed:    len(s.delayed),
		Running:    len(s.running),
		ByState:    byState,
		LiveAgents: s.registry.Live(),
	}
}

// Snapshot is a diagnostic view of dispatch state.
type Snapshot struct {
	Queue   []string         `json:"queue"`
	Delayed []string         `json:"delayed"`
	Running []Assignment     `json:"running"`
	Agents  []registry.Agent `json:"agents"`
}

// Snapshot returns queued task IDs in dispatch order, delayed retries,
// running assignments and agents.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	delayed := make([]string, 0, len(s.delayed))
	for id := range s.delayed {
		delayed = append(delayed, id)
	}
	sort.Strings(delayed)

	running := make([]Assignment, 0, len(s.running))
	for _, id := range s.runningOrder() {
		running = append(running, s.running[id].assignment)
	}

	return Snapshot{
		Queue:   s.queue.ordered(),
		Delayed: delayed,
		Running: running,
		Agents:  s.registry.Agents(),
	}
}

// Shutdown drains every agent, waits for running assignments to finish or
// ctx to end, then closes the scheduler.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	for _, agent := range s.Agents() {
		if agent.State == registry.StateTerminated {
			continue
		}
		if err := s.DrainAgent(agent.ID); err != nil {
			s.log.WithError(err).WithField("agent_id", agent.ID).Warn("Failed to drain agent")
		}
	}

	if err := s.waitIdle(ctx); err != nil {
		s.log.WithError(err).Warn("Shutdown deadline reached with assignments still running")
	}
	return s.Close(ctx)
}

func (s *Scheduler) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		idle := len(s.running) == 0 && len(s.cancelling) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops dispatching, cancels every running assignment and waits for
// executor goroutines to return or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, timer := range s.delayed {
		timer.Stop()
		delete(s.delayed, id)
		if task, ok := s.tasks[id]; ok && task.State == StateQueued {
			s.queue.push(task)
		}
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Scheduler closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for executors: %w", ctx.Err())
	}
}

// runningOrder returns running task IDs ordered by start time then ID.
func (s *Scheduler) runningOrder() []string {
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.running[ids[i]].assignment, s.running[ids[j]].assignment
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.TaskID < b.TaskID
	})
	return ids
}
