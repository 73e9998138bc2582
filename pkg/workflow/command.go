package workflow

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/runner"
)

// CommandError is returned by a CommandStep whose command exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Output)
}

// CommandStep runs an external command as a pipeline action, for example
// "terraform validate" for the secure step.
type CommandStep struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string
	Timeout time.Duration

	argv []string
}

// CommandResult is the value returned by a successful CommandStep.
type CommandResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NewCommandStep parses command and returns a step ready to run in dir.
func NewCommandStep(name, command, dir string, timeout time.Duration) (*CommandStep, error) {
	argv, err := runner.Split(command)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}
	return &CommandStep{
		Name:    name,
		Command: command,
		Dir:     dir,
		Timeout: timeout,
		argv:    argv,
	}, nil
}

// Run executes the command. A missing binary is a configuration error and a
// timeout is a network-class timeout; other failures carry the command's last
// output lines so the message keywords can classify them.
func (c *CommandStep) Run(ctx context.Context) (any, error) {
	res, err := runner.Run(ctx, runner.Params{
		Argv:    c.argv,
		WorkDir: c.Dir,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return nil, recovery.NewConfigurationError(fmt.Sprintf("command not found: %s", c.argv[0]), err).WithStep(c.Name)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, recovery.NewNetworkError(fmt.Sprintf("%s timed out after %s", c.Command, c.Timeout), err).
				WithStep(c.Name).
				WithCode(recovery.ErrCodeTimeout)
		default:
			return nil, err
		}
	}
	if !res.Success() {
		return nil, &CommandError{
			Command:  c.Command,
			ExitCode: res.ExitCode,
			Output:   res.Tail(5),
		}
	}
	return &CommandResult{
		Command:  c.Command,
		Stdout:   strings.TrimSpace(res.Stdout),
		Duration: res.Duration,
	}, nil
}
