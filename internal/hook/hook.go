// Package hook runs user-configured shell commands around the binary swap,
// typically stopping a managed service before the update and restarting it
// after. Hooks are advisory: callers log failures but do not abort on them.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// DefaultTimeout bounds hook execution so a hung command cannot stall the
// whole update.
const DefaultTimeout = 2 * time.Minute

// Result captures the outcome of one hook command.
type Result struct {
	Command  string
	Output   string
	ExitCode int
	Duration time.Duration
}

// Error reports a hook command that failed or timed out. It carries enough
// context to be logged without secondary lookups.
type Error struct {
	Command  string
	ExitCode int
	Output   string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hook command %q failed with exit code %d: %v", e.Command, e.ExitCode, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Runner executes hook commands through the platform's command interpreter.
type Runner struct {
	Timeout time.Duration
}

// Run executes command through the host shell, blocking until it exits or the
// timeout expires. Output is stdout and stderr combined. An empty command is
// a no-op. A non-zero exit or a timeout returns a *Error alongside whatever
// output was captured.
func (r Runner) Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{}, nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := shellCommand(ctx, command)
	out, err := cmd.CombinedOutput()

	res := Result{
		Command:  command,
		Output:   string(out),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
		}
		return res, &Error{
			Command:  command,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Cause:    err,
		}
	}
	return res, nil
}

// shellCommand builds the platform-appropriate interpreter invocation.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
