package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// PowerResult is the outcome of the power-off command.
type PowerResult struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// PowerCommand runs the host power-off command after SHUTDOWN.
// An empty Argv disables it.
type PowerCommand struct {
	Argv    []string
	Timeout time.Duration
}

// Enabled reports whether a command is configured.
func (p PowerCommand) Enabled() bool {
	return len(p.Argv) > 0
}

// Run executes the command and waits for it. A non-zero exit is reported in
// the result, not as an error.
func (p PowerCommand) Run(ctx context.Context) (*PowerResult, error) {
	if !p.Enabled() {
		return nil, errors.New("no power command configured")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &PowerResult{Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("power command %q failed: %w", p.Argv[0], err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		} else {
			result.ExitCode = -1
		}
	}
	return result, nil
}
