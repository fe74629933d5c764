// Package proc runs external commands with independent stdout/stderr
// capture, a hard wall-clock timeout, and distinguishable failure modes for
// spawn errors, non-zero exits, and timeouts.
package proc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a command when the caller does not set one.
const DefaultTimeout = 120 * time.Second

// Command describes one subprocess invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Output is the result of a successful run. Parsed holds the stdout decoded
// as JSON when it is valid JSON, nil otherwise; Raw always carries the full
// stdout text.
type Output struct {
	Parsed any
	Raw    string
}

// TimeoutError reports that the process was killed after exceeding its
// wall-clock budget.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %s", e.Timeout)
}

// SpawnError reports that the process could not be started at all.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit, carrying the code and accumulated
// stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("process exited with code %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Run executes cmd and collects its output. The timeout is enforced through
// a context deadline scoped to this call, so the timer is released on every
// exit path. stdout and stderr are captured independently.
func Run(ctx context.Context, cmd Command) (*Output, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	err := proc.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Timeout: timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, &SpawnError{Err: err}
	}

	raw := stdout.String()
	var parsed any
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		// Best effort: malformed JSON leaves Parsed nil without failing.
		if jsonErr := json.Unmarshal([]byte(trimmed), &parsed); jsonErr != nil {
			parsed = nil
		}
	}

	return &Output{Parsed: parsed, Raw: raw}, nil
}
