package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultPollTimeout is how long a single blocking pop waits before the
// caller's context is checked again. Redis does not accept less than 1s.
const DefaultPollTimeout = time.Second

// resultTTL bounds how long an unclaimed result survives in Redis.
const resultTTL = 10 * time.Minute

// Executor implements scheduler.Executor for an agent served by a remote Worker.
type Executor struct {
	rdb          *redis.Client
	instanceName string
	agentName    string
	pollTimeout  time.Duration
	logger       logrus.FieldLogger
}

// NewExecutor creates the scheduler side handle for the named remote agent.
func NewExecutor(rdb *redis.Client, instanceName, agentName string, logger logrus.FieldLogger) (*Executor, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if agentName == "" {
		return nil, fmt.Errorf("agent name cannot be empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{
		rdb:          rdb,
		instanceName: instanceName,
		agentName:    agentName,
		pollTimeout:  DefaultPollTimeout,
		logger:       logger.WithField("agent", agentName),
	}, nil
}

// Execute pushes the job to the agent's inbox and waits for its result
// until ctx ends. When ctx ends first, the worker is asked to cancel the job.
func (e *Executor) Execute(ctx context.Context, a scheduler.Assignment, task scheduler.Task) scheduler.Outcome {
	data, err := json.Marshal(Job{Assignment: a, Task: task})
	if err != nil {
		return scheduler.Failure(a.Generation, fmt.Errorf("failed to marshal job: %w", err))
	}
	if err := e.rdb.RPush(ctx, InboxKey(e.instanceName, e.agentName), data).Err(); err != nil {
		return scheduler.Failure(a.Generation, fmt.Errorf("failed to push job to inbox: %w", err))
	}

	resultKey := ResultKey(e.instanceName, a.TaskID, a.Generation)
	for {
		if ctx.Err() != nil {
			return e.abandon(a, ctx.Err())
		}

		vals, err := e.rdb.BLPop(ctx, e.pollTimeout, resultKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.abandon(a, ctx.Err())
			}
			return scheduler.Failure(a.Generation, fmt.Errorf("failed to wait for result: %w", err))
		}

		// BLPOP returns [key, value].
		var res Result
		if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
			return scheduler.Failure(a.Generation, fmt.Errorf("failed to unmarshal result: %w", err))
		}
		if res.Error != "" {
			return scheduler.Failure(a.Generation, errors.New(res.Error))
		}
		return scheduler.Success(a.Generation, res.Result)
	}
}

// abandon tells the worker to stop the job and reports the context error.
func (e *Executor) abandon(a scheduler.Assignment, cause error) scheduler.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, _ := json.Marshal(Control{Type: ControlCancel, TaskID: a.TaskID, Generation: a.Generation})
	if err := e.rdb.Publish(ctx, ControlChannel(e.instanceName, e.agentName), msg).Err(); err != nil {
		e.logger.WithError(err).WithField("task_id", a.TaskID).Warn("Failed to publish cancel")
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		return scheduler.Failure(a.Generation, scheduler.ErrDeadlineExceeded)
	}
	return scheduler.Failure(a.Generation, fmt.Errorf("assignment abandoned: %w", cause))
}
