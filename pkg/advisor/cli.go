package advisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxPromptBytes is the largest prompt handed to an external CLI.
const maxPromptBytes = 16000

// CLIClient pipes the prompt to an AI command-line tool and parses stdout.
// The CLI handles its own authentication.
type CLIClient struct {
	command         string
	args            []string
	timeout         time.Duration
	maxContextBytes int
}

// NewCLIClient returns a client running command with args; the prompt is
// appended as the final argument.
func NewCLIClient(command string, args []string, timeout time.Duration) *CLIClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CLIClient{
		command:         command,
		args:            args,
		timeout:         timeout,
		maxContextBytes: DefaultMaxContextBytes,
	}
}

// Name returns the CLI binary name.
func (c *CLIClient) Name() string {
	return c.command
}

// Available reports whether the binary is on PATH.
func (c *CLIClient) Available() bool {
	if c.command == "" {
		return false
	}
	_, err := exec.LookPath(c.command)
	return err == nil
}

func validatePrompt(s string) error {
	if len(s) == 0 {
		return errors.New("empty prompt")
	}
	if len(s) > maxPromptBytes {
		return fmt.Errorf("prompt exceeds %d byte limit (%d bytes)", maxPromptBytes, len(s))
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("prompt contains null byte")
	}
	return nil
}

// limitedWriter keeps at most maxBytes and silently drops the rest.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return n, nil
}

// Advise runs the CLI once.
func (c *CLIClient) Advise(ctx context.Context, req Request) (*Solution, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	prompt := BuildPrompt(req, c.maxContextBytes)
	if err := validatePrompt(prompt); err != nil {
		return nil, fmt.Errorf("invalid prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, c.args...), prompt)
	cmd := exec.CommandContext(ctx, c.command, args...) //nolint:gosec // command comes from operator config
	cmd.Env = os.Environ()

	stdout := &limitedWriter{maxBytes: maxResponseBytes}
	stderr := &limitedWriter{maxBytes: 4096}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cli %s failed: %w (stderr: %s)", c.command, err, strings.TrimSpace(stderr.buf.String()))
	}

	sol, err := ParseSolution(stdout.buf.String())
	if err != nil {
		return nil, err
	}
	sol.Source = c.Name()
	return sol, nil
}
