package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultHeartbeatInterval is how often a worker publishes liveness.
const DefaultHeartbeatInterval = 5 * time.Second

// cancelRetention is how long a cancel for a job not yet popped is remembered.
const cancelRetention = resultTTL

// Handler runs one job on the worker side.
type Handler interface {
	Run(ctx context.Context, a scheduler.Assignment, task scheduler.Task) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, a scheduler.Assignment, task scheduler.Task) ([]byte, error)

// Run calls f(ctx, a, task).
func (f HandlerFunc) Run(ctx context.Context, a scheduler.Assignment, task scheduler.Task) ([]byte, error) {
	return f(ctx, a, task)
}

// WorkerConfig configures a remote worker.
type WorkerConfig struct {
	InstanceName      string
	AgentName         string
	Concurrency       int           // jobs run at once, defaults to 1
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatInterval
	PollTimeout       time.Duration // defaults to DefaultPollTimeout
	Logger            logrus.FieldLogger
}

// Validate checks the worker configuration.
func (c *WorkerConfig) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if c.AgentName == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	return nil
}

// Worker pops jobs from one agent's inbox and runs them with a Handler.
type Worker struct {
	rdb     *redis.Client
	cfg     WorkerConfig
	handler Handler
	logger  logrus.FieldLogger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// cancelled maps jobs cancelled before they were popped to an expiry.
	cancelled map[string]time.Time
	wg        sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWorker creates a worker. Run starts it.
func NewWorker(rdb *redis.Client, cfg WorkerConfig, handler Handler) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Worker{
		rdb:       rdb,
		cfg:       cfg,
		handler:   handler,
		logger:    cfg.Logger.WithField("agent", cfg.AgentName),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]time.Time),
		ready:     make(chan struct{}),
	}, nil
}

// Ready is closed once the worker is subscribed to its control channel and
// has published its first heartbeat.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Run serves jobs until ctx is cancelled, then waits for running jobs to finish.
// Running jobs see ctx cancellation and report failure.
func (w *Worker) Run(ctx context.Context) error {
	control := w.rdb.Subscribe(ctx, ControlChannel(w.cfg.InstanceName, w.cfg.AgentName))
	if _, err := control.Receive(ctx); err != nil {
		control.Close()
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	defer control.Close()

	if err := w.heartbeat(ctx); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"instance":    w.cfg.InstanceName,
		"concurrency": w.cfg.Concurrency,
	}).Info("Remote worker started")
	w.readyOnce.Do(func() { close(w.ready) })

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		w.heartbeatLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		w.controlLoop(ctx, control.Channel())
	}()

	sem := make(chan struct{}, w.cfg.Concurrency)
	err := w.popLoop(ctx, sem)

	w.wg.Wait()
	loops.Wait()
	w.logger.Info("Remote worker stopped")
	return err
}

func (w *Worker) popLoop(ctx context.Context, sem chan struct{}) error {
	inbox := InboxKey(w.cfg.InstanceName, w.cfg.AgentName)
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		job, err := w.pop(ctx, inbox)
		if err != nil || job == nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				w.logger.WithError(err).Warn("Failed to pop job")
				select {
				case <-time.After(w.cfg.PollTimeout):
				case <-ctx.Done():
					return nil
				}
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, job)
		}()
	}
}

// pop returns nil, nil when the poll timed out.
func (w *Worker) pop(ctx context.Context, inbox string) (*Job, error) {
	vals, err := w.rdb.BLPop(ctx, w.cfg.PollTimeout, inbox).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		w.logger.WithError(err).Warn("Skipping malformed job")
		return nil, nil
	}
	if err := job.Validate(); err != nil {
		w.logger.WithError(err).Warn("Skipping invalid job")
		return nil, nil
	}
	return &job, nil
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	a := job.Assignment
	log := w.logger.WithFields(logrus.Fields{"task_id": a.TaskID, "generation": a.Generation})

	if !a.Deadline.IsZero() && time.Now().After(a.Deadline) {
		log.Debug("Skipping job past its deadline")
		return
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if a.Deadline.IsZero() {
		jobCtx, cancel = context.WithCancel(ctx)
	} else {
		jobCtx, cancel = context.WithDeadline(ctx, a.Deadline)
	}
	defer cancel()

	key := jobKey(a.TaskID, a.Generation)
	w.mu.Lock()
	if _, ok := w.cancelled[key]; ok {
		delete(w.cancelled, key)
		w.mu.Unlock()
		log.Debug("Skipping job cancelled while queued")
		return
	}
	w.running[key] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, key)
		w.mu.Unlock()
	}()

	log.Debug("Running job")
	res := Result{TaskID: a.TaskID, Generation: a.Generation}
	output, err := w.run(jobCtx, job)
	if err != nil {
		res.Error = err.Error()
		log.WithError(err).Info("Job failed")
	} else {
		res.Result = output
		log.Debug("Job succeeded")
	}

	switch {
	case ctx.Err() != nil:
		// The scheduler is still waiting on this generation.
		res.Result = nil
		res.Error = "worker stopped before job completed"
	case jobCtx.Err() != nil:
		// Cancelled or expired: the scheduler has already stopped waiting.
		log.Debug("Dropping result of abandoned job")
		return
	}

	if err := w.pushResult(res); err != nil {
		log.WithError(err).Warn("Failed to push result")
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler.Run(ctx, job.Assignment, job.Task)
}

func (w *Worker) pushResult(res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := ResultKey(w.cfg.InstanceName, res.TaskID, res.Generation)
	_, err = w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, resultTTL)
		return nil
	})
	return err
}

func (w *Worker) heartbeat(ctx context.Context) error {
	data, err := json.Marshal(Heartbeat{Agent: w.cfg.AgentName, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	if err := w.rdb.Publish(ctx, HeartbeatsChannel(w.cfg.InstanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

func (w *Worker) controlLoop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ctl Control
			if err := json.Unmarshal([]byte(msg.Payload), &ctl); err != nil {
				w.logger.WithError(err).Warn("Skipping malformed control message")
				continue
			}
			if ctl.Type == ControlCancel {
				w.cancel(ctl.TaskID, ctl.Generation)
			}
		}
	}
}

func (w *Worker) cancel(taskID string, generation uint64) {
	key := jobKey(taskID, generation)
	now := time.Now()

	w.mu.Lock()
	cancel, ok := w.running[key]
	if !ok {
		for k, expires := range w.cancelled {
			if now.After(expires) {
				delete(w.cancelled, k)
			}
		}
		w.cancelled[key] = now.Add(cancelRetention)
	}
	w.mu.Unlock()

	if ok {
		w.logger.WithField("task_id", taskID).Info("Cancelling job")
		cancel()
		return
	}
	w.logger.WithField("task_id", taskID).Debug("Cancel recorded for queued job")
}
