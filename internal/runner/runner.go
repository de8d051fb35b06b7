// Package runner executes the external coding tool inside a workspace.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/autopr/internal/config"
)

var (
	ErrExecutionTimeout     = errors.New("execution timed out")
	ErrExecutionNonZeroExit = errors.New("execution exited non-zero")
)

// Stream names passed to OutputFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// OutputFunc receives each output line as it is produced. Calls are serialised.
type OutputFunc func(stream, line string)

// Result is the outcome of one execution.
type Result struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	Timeout  time.Duration `json:"-"`
}

// Err returns nil for a successful run, otherwise an *ExecutionError.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &ExecutionError{ExitCode: r.ExitCode, TimedOut: r.TimedOut, Timeout: r.Timeout, Stderr: r.Stderr}
}

// ExecutionError describes a failed run.
type ExecutionError struct {
	ExitCode int
	TimedOut bool
	Timeout  time.Duration
	Stderr   string
}

const maxErrorStderr = 500

func (e *ExecutionError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if n := maxErrorStderr; len(stderr) > n {
		for n > 0 && !utf8.RuneStart(stderr[n]) {
			n--
		}
		stderr = stderr[:n]
	}
	if e.TimedOut {
		return fmt.Sprintf("execution timed out after %s (exit code %d): %s", e.Timeout, e.ExitCode, stderr)
	}
	return fmt.Sprintf("execution failed with exit code %d: %s", e.ExitCode, stderr)
}

func (e *ExecutionError) Unwrap() error {
	if e.TimedOut {
		return ErrExecutionTimeout
	}
	return ErrExecutionNonZeroExit
}

// Runner starts the coding tool as a child process.
type Runner struct {
	command   string
	args      []string
	timeout   time.Duration
	waitDelay time.Duration
	logger    *slog.Logger
}

// New creates a Runner for command. extraArgs follow the workspace and task flags.
func New(command string, extraArgs []string, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		command:   command,
		args:      extraArgs,
		timeout:   timeout,
		waitDelay: 5 * time.Second,
		logger:    logger,
	}
}

// NewFromConfig creates a Runner from the runner settings.
func NewFromConfig(cfg config.RunnerConfig, logger *slog.Logger) *Runner {
	return New(cfg.Command, cfg.Args, cfg.Timeout.Std(), logger)
}

// Timeout is the default wall-clock limit.
func (r *Runner) Timeout() time.Duration { return r.timeout }

// Run executes the tool in workspace against taskFile. A zero timeout uses the
// runner default. Only exit status and the timeout decide success; output is
// never inspected. On timeout the whole process group is killed.
//
// The returned error is non-nil only when ctx itself was cancelled.
func (r *Runner) Run(ctx context.Context, workspace, taskFile string, timeout time.Duration, onOutput OutputFunc) (*Result, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"--workspace", workspace, "--task", taskFile}, r.args...)
	cmd := exec.CommandContext(runCtx, r.command, args...)
	cmd.Dir = workspace
	setProcessGroup(cmd)
	cmd.WaitDelay = r.waitDelay

	var mu sync.Mutex
	stdout := &lineWriter{stream: Stdout, mu: &mu, fn: onOutput}
	stderr := &lineWriter{stream: Stderr, mu: &mu, fn: onOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	res := &Result{ExitCode: -1, Timeout: timeout}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		res.Stderr = fmt.Sprintf("Failed to start %s: %v", r.command, err)
		r.logger.Error("runner start failed", "command", r.command, "workspace", workspace, "error", err)
		return res, nil
	}
	r.logger.Info("runner started", "command", r.command, "pid", cmd.Process.Pid, "workspace", workspace, "timeout", timeout)

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	stdout.flush()
	stderr.flush()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case ctx.Err() != nil:
		res.Stderr = appendLine(res.Stderr, "Process cancelled")
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("Process timed out after %ds", int(timeout.Seconds())))
		r.logger.Warn("runner timed out", "workspace", workspace, "timeout", timeout)
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
		res.Success = true
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Stderr = appendLine(res.Stderr, waitErr.Error())
	}
	r.logger.Info("runner finished", "workspace", workspace, "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

// lineWriter captures a stream and forwards complete lines to fn.
type lineWriter struct {
	stream  string
	mu      *sync.Mutex
	fn      OutputFunc
	buf     strings.Builder
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.fn != nil {
		w.fn(w.stream, strings.TrimSuffix(line, "\r"))
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
