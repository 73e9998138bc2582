// Package remediate turns recovery outcomes into commands and, in
// autonomous mode, runs the ones the policy gate allows.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/policy"
	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/runner"
	"github.com/inframate/inframate/pkg/telemetry"
)

// Source tells where a command came from.
type Source string

const (
	SourceAdvisor      Source = "advisor"
	SourceReinitialize Source = "reinitialize"
)

// Decision is what happened to a command.
type Decision string

const (
	DecisionExecuted  Decision = "executed"
	DecisionFailed    Decision = "failed"
	DecisionDenied    Decision = "denied"
	DecisionSuggested Decision = "suggested"
	DecisionSkipped   Decision = "skipped"
)

// ErrCommandFailed is returned when an executed command exits non-zero or
// cannot start.
var ErrCommandFailed = errors.New("remediation command failed")

// Gate decides whether a command may run.
type Gate interface {
	Check(ctx context.Context, input *policy.Input) (allowed bool, reason string, err error)
}

// Config controls remediation.
type Config struct {
	// Enabled turns remediation on.
	Enabled bool

	// ReinitCommand runs when a strategy asks for re-initialization.
	ReinitCommand string

	// CommandTimeout bounds each command.
	CommandTimeout time.Duration

	// WorkDir is the default working directory.
	WorkDir string

	// MaxCommands caps the commands taken from one failure.
	MaxCommands int
}

// DefaultConfig returns remediation defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		ReinitCommand:  "terraform init -input=false",
		CommandTimeout: 5 * time.Minute,
		WorkDir:        ".",
		MaxCommands:    10,
	}
}

// Request describes a recovered failure to remediate.
type Request struct {
	RunID      string
	Step       string
	Error      *recovery.ErrorContext
	Autonomous bool

	// WorkDir overrides Config.WorkDir.
	WorkDir string
}

// Result records one command.
type Result struct {
	Command  string        `json:"command"`
	Source   Source        `json:"source"`
	Decision Decision      `json:"decision"`
	Reason   string        `json:"reason,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Remediator applies remediation for recovered failures.
type Remediator struct {
	cfg     Config
	gate    Gate
	run     func(context.Context, runner.Params) (*runner.Result, error)
	events  *telemetry.EventPublisher
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// Option configures a Remediator.
type Option func(*Remediator)

// WithEvents publishes a remediation event per command.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Remediator) { r.events = ep }
}

// WithMetrics counts commands by decision.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Remediator) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Remediator) { r.logger = l }
}

// New creates a Remediator. Without a gate no command is ever executed.
func New(cfg Config, gate Gate, opts ...Option) *Remediator {
	r := &Remediator{
		cfg:    cfg,
		gate:   gate,
		run:    runner.Run,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "remediator").Logger()
	return r
}

// Command is a command line and where it came from.
type Command struct {
	Line   string
	Source Source
}

// Commands lists the commands a recovered failure implies, in execution
// order: re-initialization first, then advisor steps.
func (r *Remediator) Commands(ec *recovery.ErrorContext) []Command {
	if ec == nil || !ec.Recovered() {
		return nil
	}
	var cmds []Command
	seen := make(map[string]bool)
	add := func(line string, src Source) {
		if line == "" || seen[line] {
			return
		}
		if r.cfg.MaxCommands > 0 && len(cmds) >= r.cfg.MaxCommands {
			return
		}
		seen[line] = true
		cmds = append(cmds, Command{Line: line, Source: src})
	}

	if ec.RecoveryOutcome == recovery.OutcomeReinitialize {
		add(r.cfg.ReinitCommand, SourceReinitialize)
	}
	for _, line := range ExtractCommands(ec.AdvisorySolution) {
		add(line, SourceAdvisor)
	}
	return cmds
}

// Remediate handles the commands for one recovered failure. In supervised
// mode commands are only reported as suggestions. In autonomous mode each
// allowed command runs in turn, stopping at the first failure, which is
// returned as an error wrapping ErrCommandFailed.
func (r *Remediator) Remediate(ctx context.Context, req Request) ([]Result, error) {
	if !r.cfg.Enabled || req.Error == nil {
		return nil, nil
	}
	cmds := r.Commands(req.Error)
	if len(cmds) == 0 {
		return nil, nil
	}

	log := r.logger.With().
		Str("run_id", req.RunID).
		Str("step", req.Step).
		Str("classification", string(req.Error.Classification)).
		Bool("autonomous", req.Autonomous).
		Logger()

	workDir := req.WorkDir
	if workDir == "" {
		workDir = r.cfg.WorkDir
	}

	results := make([]Result, 0, len(cmds))
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := r.handle(ctx, req, c, workDir, log)
		results = append(results, res)
		r.metrics.RecordRemediationCommand(string(res.Decision))
		_ = r.events.PublishRemediation(req.RunID, req.Step, res.Command, res.Decision == DecisionExecuted, res.Reason)

		if res.Decision == DecisionFailed {
			return results, fmt.Errorf("%w: %s: %s", ErrCommandFailed, res.Command, res.Reason)
		}
	}
	return results, nil
}

func (r *Remediator) handle(ctx context.Context, req Request, c Command, workDir string, log zerolog.Logger) Result {
	res := Result{Command: c.Line, Source: c.Source}

	argv, err := runner.Split(c.Line)
	if err != nil {
		res.Decision = DecisionSkipped
		res.Reason = err.Error()
		log.Warn().Err(err).Str("command", c.Line).Msg("Skipping unparseable command")
		return res
	}

	allowed, reason := r.check(ctx, req, c, argv, workDir)

	if !req.Autonomous {
		res.Decision = DecisionSuggested
		if !allowed {
			res.Reason = "would be denied: " + reason
		}
		log.Info().Str("command", c.Line).Bool("allowed", allowed).
			Msg("Suggested command (not executed in supervised mode)")
		return res
	}

	if !allowed {
		res.Decision = DecisionDenied
		res.Reason = reason
		log.Warn().Str("command", c.Line).Str("reason", reason).Msg("Remediation command denied by policy")
		return res
	}

	log.Info().Str("command", c.Line).Str("dir", workDir).Msg("Executing remediation command")
	out, err := r.run(ctx, runner.Params{
		Argv:    argv,
		WorkDir: workDir,
		Timeout: r.cfg.CommandTimeout,
	})
	if out != nil {
		res.ExitCode = out.ExitCode
		res.Duration = out.Duration
		res.Output = out.Tail(5)
	}
	switch {
	case err != nil:
		res.Decision = DecisionFailed
		res.Reason = err.Error()
	case !out.Success():
		res.Decision = DecisionFailed
		res.Reason = fmt.Sprintf("exit code %d", out.ExitCode)
	default:
		res.Decision = DecisionExecuted
	}

	if res.Decision == DecisionFailed {
		log.Error().Str("command", c.Line).Str("reason", res.Reason).Str("output", res.Output).Msg("Remediation command failed")
	} else {
		log.Info().Str("command", c.Line).Dur("duration", res.Duration).Msg("Remediation command succeeded")
	}
	return res
}

// check asks the gate. A missing gate or a gate error denies.
func (r *Remediator) check(ctx context.Context, req Request, c Command, argv []string, workDir string) (bool, string) {
	if r.gate == nil {
		return false, "no policy gate configured"
	}
	input := policy.NewInput(c.Line, argv)
	input.Source = string(c.Source)
	input.Step = req.Step
	input.Classification = string(req.Error.Classification)
	input.Severity = string(req.Error.Severity)
	input.Autonomous = req.Autonomous
	input.RepoPath = workDir

	allowed, reason, err := r.gate.Check(ctx, input)
	if err != nil {
		return false, fmt.Sprintf("policy check failed: %v", err)
	}
	return allowed, reason
}
