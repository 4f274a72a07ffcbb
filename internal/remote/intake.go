package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Submitter accepts task requests. *scheduler.Scheduler satisfies it.
type Submitter interface {
	Submit(req scheduler.TaskRequest) (string, error)
}

// Submit pushes a task request onto the instance's submissions list and
// returns its ID. An ID is generated when req.ID is empty so the caller can
// follow the task before the scheduler has seen it.
func Submit(ctx context.Context, rdb *redis.Client, instanceName string, req scheduler.TaskRequest) (string, error) {
	if instanceName == "" {
		return "", fmt.Errorf("instance name cannot be empty")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task request: %w", err)
	}
	if err := rdb.RPush(ctx, SubmissionsKey(instanceName), data).Err(); err != nil {
		return "", fmt.Errorf("failed to push task request: %w", err)
	}
	return req.ID, nil
}

// Intake drains the submissions list into a Submitter.
type Intake struct {
	rdb          *redis.Client
	instanceName string
	submitter    Submitter
	pollTimeout  time.Duration
	logger       logrus.FieldLogger
}

// NewIntake creates an intake for the instance.
func NewIntake(rdb *redis.Client, instanceName string, submitter Submitter, logger logrus.FieldLogger) (*Intake, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Intake{
		rdb:          rdb,
		instanceName: instanceName,
		submitter:    submitter,
		pollTimeout:  DefaultPollTimeout,
		logger:       logger.WithField("component", "intake"),
	}, nil
}

// Run submits requests until ctx is cancelled. Malformed and rejected
// requests are logged and skipped.
func (in *Intake) Run(ctx context.Context) error {
	key := SubmissionsKey(in.instanceName)
	for {
		if ctx.Err() != nil {
			return nil
		}

		vals, err := in.rdb.BLPop(ctx, in.pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.logger.WithError(err).Warn("Failed to pop submission")
			select {
			case <-time.After(in.pollTimeout):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		in.submit(vals[1])
	}
}

func (in *Intake) submit(raw string) {
	var req scheduler.TaskRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		in.logger.WithError(err).Warn("Skipping malformed submission")
		return
	}

	id, err := in.submitter.Submit(req)
	if err != nil {
		in.logger.WithError(err).WithField("task_id", req.ID).Warn("Submission rejected")
		return
	}
	in.logger.WithField("task_id", id).Debug("Submission accepted")
}
