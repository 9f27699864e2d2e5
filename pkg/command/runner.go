// Package command runs external media tools (ffmpeg, ffprobe, speech CLIs)
// behind an interface so callers can be tested without the binaries.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run captures stdout, stderr and the exit code. A process that could not be
// started reports exit code -1.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, &Error{Name: name, Result: res, Err: err}
	}
	return res, nil
}

// Error reports a failed command with its captured stderr.
type Error struct {
	Name   string
	Result Result
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.Result.ExitCode)
	if tail := StderrTail(e.Result.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StderrTail returns the last n non-empty lines of stderr joined by " | ".
func StderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			out = append(out, l)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return strings.Join(out, " | ")
}
