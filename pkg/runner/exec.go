// Package runner executes external commands without a shell.
//
// Commands are split into argv with POSIX quoting rules and run directly, so
// remediation steps and pipeline commands never pass through /bin/sh.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
)

// DefaultMaxOutput is the number of bytes captured per stream.
const DefaultMaxOutput = 64 * 1024

// ErrEmptyCommand is returned for a command with no words.
var ErrEmptyCommand = errors.New("command produced empty argv")

// Params describes one command invocation.
type Params struct {
	Argv      []string          `json:"argv"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	MaxOutput int               `json:"max_output,omitempty"`
}

// Result is the outcome of a command that started.
type Result struct {
	Argv     []string      `json:"argv"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Tail returns the last n non-empty lines of stderr, or of stdout when
// stderr is empty.
func (r *Result) Tail(n int) string {
	out := r.Stderr
	if strings.TrimSpace(out) == "" {
		out = r.Stdout
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Split breaks command into argv using POSIX shell quoting.
func Split(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("splitting command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// Run executes the command and captures its output. A non-zero exit is not
// an error; callers check Result.ExitCode. Errors are returned when the
// command cannot start or is stopped by the timeout or ctx.
func Run(ctx context.Context, p Params) (*Result, error) {
	if len(p.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	limit := p.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.WorkDir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(p.Env)...)
	}

	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Argv:     append([]string(nil), p.Argv...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("command %q stopped: %w", p.Argv[0], ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...(output truncated)"
	}
	return b.buf.String()
}
