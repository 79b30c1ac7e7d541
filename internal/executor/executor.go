// Package executor runs claimed tasks as external processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"modelqueue-worker/internal/queue"
)

// Exit codes a task process uses to report its result. Any other non-zero
// code is a permanent failure.
const (
	ExitSuccess = 0
	// ExitRetry is EX_TEMPFAIL from sysexits.h.
	ExitRetry = 75
	// ExitCancel asks for the task to be canceled rather than failed.
	ExitCancel = 76
)

const (
	DefaultMaxOutputBytes = 1 << 20
	termGrace             = 2 * time.Second
	killGrace             = 3 * time.Second
)

var ErrTimeout = errors.New("task process timed out")

// Run is what one process execution produced.
type Run struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// limitedBuffer caps the captured bytes and silently drops the rest. The
// buffer is a named field so io.Copy cannot reach bytes.Buffer.ReadFrom and
// bypass Write.
type limitedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	left := l.cap - l.buf.Len()
	if left <= 0 {
		l.truncated = l.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > left {
		l.truncated = true
		l.buf.Write(p[:left])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) Len() int { return l.buf.Len() }

func (l *limitedBuffer) String() string { return l.buf.String() }

// Shell runs Command once per task with the payload on stdin. It implements
// queue.Handler.
type Shell struct {
	Command        []string
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

func NewShell(command []string, timeout time.Duration, maxOutputBytes int, logger *slog.Logger) *Shell {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		Command:        append([]string{}, command...),
		Timeout:        timeout,
		MaxOutputBytes: maxOutputBytes,
		Logger:         logger,
	}
}

// Handle maps the exit code to a Result. Failing to start the process, a
// timeout and a canceled context are faults, so the task is retried.
func (s *Shell) Handle(ctx context.Context, task queue.Task) (queue.Result, error) {
	attempts := 0
	if st, err := task.Status.Decode(); err == nil {
		attempts = st.Attempts
	}
	run, err := s.Run(ctx, task.Payload, []string{
		"MODELQUEUE_TASK_ID=" + task.ID,
		"MODELQUEUE_ATTEMPT=" + strconv.Itoa(attempts),
	})
	if err != nil {
		return 0, err
	}

	logger := s.Logger.With("task_id", task.ID, "attempt", attempts, "exit_code", run.ExitCode, "duration", run.Duration)
	switch run.ExitCode {
	case ExitSuccess:
		logger.Info("Task process succeeded")
		return queue.Success, nil
	case ExitRetry:
		logger.Warn("Task process asked for a retry", "stderr", run.Stderr, "stderr_bytes", len(run.Stderr))
		return queue.RetryableFailure, nil
	case ExitCancel:
		logger.Warn("Task process asked to be canceled")
		return queue.Cancel, nil
	default:
		logger.Error("Task process failed", "stderr", run.Stderr, "stderr_bytes", len(run.Stderr))
		return queue.PermanentFailure, nil
	}
}

// Run executes the command with payload on stdin. A non-zero exit is not an
// error; err is set only when the process could not run to completion.
func (s *Shell) Run(ctx context.Context, payload []byte, env []string) (*Run, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("executor: empty command")
	}
	cmdCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, s.Command[0], s.Command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &limitedBuffer{cap: s.MaxOutputBytes}
	stderr := &limitedBuffer{cap: s.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return stopProcessGroup(cmd, termGrace)
	}
	cmd.WaitDelay = termGrace + killGrace

	start := time.Now()
	err := cmd.Run()
	run := &Run{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if stdout.truncated || stderr.truncated {
		s.Logger.Debug("Task output truncated", "max_output_bytes", s.MaxOutputBytes)
	}

	switch {
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return run, fmt.Errorf("%w after %s", ErrTimeout, s.Timeout)
	case ctx.Err() != nil:
		return run, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		run.ExitCode = exitErr.ExitCode()
		return run, nil
	}
	if err != nil {
		return run, fmt.Errorf("run task process: %w", err)
	}
	return run, nil
}

// Mock stands in for a real command: it waits Sleep and returns Result.
type Mock struct {
	Sleep  time.Duration
	Result queue.Result
}

func NewMock(sleep time.Duration) *Mock {
	return &Mock{Sleep: sleep, Result: queue.Success}
}

func (m *Mock) Handle(ctx context.Context, task queue.Task) (queue.Result, error) {
	if m.Sleep > 0 {
		t := time.NewTimer(m.Sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	if m.Result == 0 {
		return queue.Success, nil
	}
	return m.Result, nil
}
