//go:build unix

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

// writeTool writes an executable shell script standing in for the coding tool.
// The script sees the same arguments as the real tool: --workspace W --task T.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, stream+": "+line)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestRun_Success(t *testing.T) {
	tool := writeTool(t, `echo "ws=$2 task=$4 extra=$5"; pwd; echo warn >&2`)
	ws := t.TempDir()
	rec := &recorder{}

	r := New(tool, []string{"--yes"}, time.Minute, nil)
	res, err := r.Run(context.Background(), ws, filepath.Join(ws, "task.md"), 0, rec.add)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
	wantFirst := "ws=" + ws + " task=" + filepath.Join(ws, "task.md") + " extra=--yes"
	if !strings.HasPrefix(res.Stdout, wantFirst+"\n") {
		t.Errorf("stdout = %q, want prefix %q", res.Stdout, wantFirst)
	}
	if !strings.Contains(res.Stdout, ws) {
		t.Errorf("tool should run inside the workspace, stdout = %q", res.Stdout)
	}
	if res.Stderr != "warn\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}

	lines := rec.all()
	if len(lines) != 3 {
		t.Fatalf("expected 3 streamed lines, got %v", lines)
	}
	if !slices.Contains(lines, "stdout: "+wantFirst) || !slices.Contains(lines, "stderr: warn") {
		t.Errorf("streamed lines = %q", lines)
	}
}

func TestRun_StreamsBeforeExit(t *testing.T) {
	// The tool blocks until the callback has seen its first line.
	tool := writeTool(t, `echo ready; while [ ! -f "$2/go" ]; do sleep 0.05; done; echo done`)
	ws := t.TempDir()

	var once sync.Once
	r := New(tool, nil, 10*time.Second, nil)
	res, err := r.Run(context.Background(), ws, "task.md", 0, func(stream, line string) {
		if line == "ready" {
			once.Do(func() { os.WriteFile(filepath.Join(ws, "go"), nil, 0o644) })
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Stdout != "ready\ndone\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	tool := writeTool(t, `echo "compile error" >&2; exit 1`)
	r := New(tool, nil, time.Minute, nil)

	res, err := r.Run(context.Background(), t.TempDir(), "task.md", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ExitCode != 1 || res.TimedOut {
		t.Fatalf("unexpected result %+v", res)
	}
	execErr := res.Err()
	if !errors.Is(execErr, ErrExecutionNonZeroExit) || errors.Is(execErr, ErrExecutionTimeout) {
		t.Fatalf("Err() = %v, want non-zero exit", execErr)
	}
	if !strings.Contains(execErr.Error(), "exit code 1") || !strings.Contains(execErr.Error(), "compile error") {
		t.Errorf("error message = %q", execErr.Error())
	}
}

func TestRun_OutputDoesNotDecideSuccess(t *testing.T) {
	tool := writeTool(t, `echo "ERROR: everything failed"; echo "FAILED" >&2; exit 0`)
	r := New(tool, nil, time.Minute, nil)

	res, err := r.Run(context.Background(), t.TempDir(), "task.md", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("exit 0 must be success regardless of output, got %+v", res)
	}
}

func TestRun_TimeoutKillsProcessTree(t *testing.T) {
	ws := t.TempDir()
	// The background child keeps stdout open; only a group kill ends it.
	tool := writeTool(t, `(sleep 30; touch "$2/survived") & echo started; sleep 30`)
	r := New(tool, nil, time.Minute, nil)

	start := time.Now()
	res, err := r.Run(context.Background(), ws, "task.md", 300*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, expected prompt kill", elapsed)
	}
	if res.Success || !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Stderr, "Process timed out after 0s") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if !errors.Is(res.Err(), ErrExecutionTimeout) {
		t.Errorf("Err() = %v, want timeout", res.Err())
	}
	if res.Stdout != "started\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRun_StartFailure(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "missing-tool"), nil, time.Minute, nil)

	res, err := r.Run(context.Background(), t.TempDir(), "task.md", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Stderr, "Failed to start ") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if !errors.Is(res.Err(), ErrExecutionNonZeroExit) {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestRun_ParentCancel(t *testing.T) {
	tool := writeTool(t, `sleep 30`)
	r := New(tool, nil, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := r.Run(ctx, t.TempDir(), "task.md", 0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Success || res.TimedOut {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecutionError_TruncatesStderr(t *testing.T) {
	e := &ExecutionError{ExitCode: 2, Stderr: strings.Repeat("x", 2000)}
	if got := len(e.Error()); got > 600 {
		t.Errorf("error message length = %d, want stderr capped", got)
	}
}

func TestExecutionError_TruncatesOnRuneBoundary(t *testing.T) {
	e := &ExecutionError{ExitCode: 1, Stderr: "x" + strings.Repeat("日", 400)}
	msg := e.Error()
	if !utf8.ValidString(msg) {
		t.Fatalf("error message is not valid UTF-8: %q", msg[len(msg)-8:])
	}
	want := "execution failed with exit code 1: x" + strings.Repeat("日", (maxErrorStderr-1)/3)
	if msg != want {
		t.Errorf("error message ends %q, want %q", msg[len(msg)-9:], want[len(want)-9:])
	}
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var mu sync.Mutex
	var got []string
	w := &lineWriter{stream: Stdout, mu: &mu, fn: func(_, line string) { got = append(got, line) }}
	w.Write([]byte("hel"))
	w.Write([]byte("lo\r\nwor"))
	w.Write([]byte("ld"))
	w.flush()

	if strings.Join(got, "|") != "hello|world" {
		t.Errorf("lines = %q", got)
	}
	if w.String() != "hello\r\nworld" {
		t.Errorf("captured = %q", w.String())
	}
}
