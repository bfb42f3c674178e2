// Package osexec implements subprocess execution functions used to query
// the scheduler CLI tools.
package osexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Custom errors.
var (
	ErrEmptyCommand = errors.New("empty command")
)

// command returns a new command that runs in its own process group so that
// an interrupt received by the parent does not stop the child.
func command(ctx context.Context, cmd string, args []string, env []string) (*exec.Cmd, error) {
	if cmd == "" {
		return nil, ErrEmptyCommand
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return execCmd, nil
}

// ExecuteContext executes a command with context and returns its stdout. When the
// command fails, stderr is included in the returned error.
func ExecuteContext(ctx context.Context, cmd string, args []string, env []string) ([]byte, error) {
	execCmd, err := command(ctx, cmd, args, env)
	if err != nil {
		return nil, err
	}

	var stderr bytes.Buffer

	execCmd.Stderr = &stderr

	out, err := execCmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s failed: %w: %s", cmd, err, msg)
		}

		return out, fmt.Errorf("%s failed: %w", cmd, err)
	}

	return out, nil
}
