// Package toolexec runs a task by piping it to an external command.
//
// Contract: the runner marshals an Input document to JSON, writes it to the
// command's stdin and closes the pipe. The command must write exactly one JSON
// object to stdout and exit. Exit code 0 with {"result": ...} is a success;
// a non-zero exit code or {"error": "..."} is a failure.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// MaxOutputSize caps captured stdout and stderr.
const MaxOutputSize = 10 * 1024 * 1024 // 10MB

// waitDelay bounds how long Wait keeps reading pipes held open by
// grandchildren after the command itself has been killed.
const waitDelay = 500 * time.Millisecond

// Input is the JSON document written to the command's stdin.
type Input struct {
	TaskID       string            `json:"task_id"`
	AgentID      string            `json:"agent_id"`
	Generation   uint64            `json:"generation"`
	Attempt      int               `json:"attempt"`
	Priority     int               `json:"priority"`
	RequiredTags []string          `json:"required_tags,omitempty"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Deadline     time.Time         `json:"deadline"`
}

// Output is the JSON document the command writes to stdout.
type Output struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExitError reports a command that exited with a non-zero code.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, truncate(e.Stderr, 500))
}

// Runner executes tasks through an external command.
// A Runner is safe for concurrent use; every task gets its own process.
type Runner struct {
	Command   []string // argv; Command[0] is resolved through PATH
	Env       []string // extra KEY=VALUE pairs appended to the parent environment
	Dir       string   // working directory, empty for the current one
	MaxOutput int      // defaults to MaxOutputSize
	Logger    logrus.FieldLogger
}

// NewRunner builds a runner for command with extra KEY=VALUE environment entries.
func NewRunner(command []string, env []string, logger logrus.FieldLogger) (*Runner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			return nil, fmt.Errorf("invalid environment entry %q: expected KEY=VALUE", kv)
		}
	}
	return &Runner{
		Command: append([]string(nil), command...),
		Env:     append([]string(nil), env...),
		Logger:  logger,
	}, nil
}

// NewInput builds the stdin document for one assignment.
func NewInput(a scheduler.Assignment, task scheduler.Task) Input {
	return Input{
		TaskID:       task.ID,
		AgentID:      a.AgentID,
		Generation:   a.Generation,
		Attempt:      task.Retries + 1,
		Priority:     task.Priority,
		RequiredTags: task.RequiredTags,
		Content:      string(task.Payload.Content),
		Metadata:     task.Payload.Metadata,
		Deadline:     a.Deadline,
	}
}

// Execute implements scheduler.Executor.
func (r *Runner) Execute(ctx context.Context, a scheduler.Assignment, task scheduler.Task) scheduler.Outcome {
	result, err := r.Run(ctx, a, task)
	if err != nil {
		return scheduler.Failure(a.Generation, err)
	}
	return scheduler.Success(a.Generation, result)
}

// Run executes the command for one assignment and returns the raw result.
func (r *Runner) Run(ctx context.Context, a scheduler.Assignment, task scheduler.Task) ([]byte, error) {
	inputJSON, err := json.Marshal(NewInput(a, task))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool input: %w", err)
	}

	log := r.logger().WithFields(logrus.Fields{
		"task_id":    task.ID,
		"agent_id":   a.AgentID,
		"generation": a.Generation,
	})
	start := time.Now()

	stdout, stderr, err := r.exec(ctx, inputJSON)
	if err != nil {
		log.WithError(err).WithField("duration", time.Since(start)).Warn("Tool execution failed")
		return nil, err
	}
	if stderr != "" {
		log.WithField("stderr", truncate(stderr, 500)).Debug("Tool wrote to stderr")
	}

	out, err := ParseOutput(stdout)
	if err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}

	log.WithField("duration", time.Since(start)).Debug("Tool execution succeeded")
	return []byte(out.Result), nil
}

func (r *Runner) exec(ctx context.Context, input []byte) (string, string, error) {
	if len(r.Command) == 0 {
		return "", "", fmt.Errorf("command array is empty")
	}

	limit := r.MaxOutput
	if limit <= 0 {
		limit = MaxOutputSize
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return "", "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: limit}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: limit}

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("failed to start process: %w", err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(input); err != nil {
			r.logger().WithError(err).Debug("Failed to write to stdin")
		}
	}()

	err = cmd.Wait()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return stdout, stderr, scheduler.ErrDeadlineExceeded
		}
		return stdout, stderr, fmt.Errorf("tool execution interrupted: %w", ctxErr)
	}

	if stdoutBuf.Len() >= limit || stderrBuf.Len() >= limit {
		return stdout, stderr, fmt.Errorf("tool output exceeded %d byte limit", limit)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, stderr, &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr)}
		}
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

// ParseOutput decodes the single JSON object a tool writes to stdout.
func ParseOutput(stdout string) (*Output, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, fmt.Errorf("tool produced no output")
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	var out Output
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse tool output: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("tool output contains more than one JSON object")
	}
	if out.Error == "" && len(out.Result) == 0 {
		return nil, fmt.Errorf("tool output must contain result or error")
	}
	return &out, nil
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

// limitedWriter discards everything past limit bytes.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		return len(p), nil
	}
	toWrite := p
	if remaining := lw.limit - lw.written; len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
