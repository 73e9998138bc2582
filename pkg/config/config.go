package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/inframate/inframate/pkg/advisor"
	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/remediate"
	"github.com/inframate/inframate/pkg/telemetry"
)

// Config is the complete inframate configuration.
type Config struct {
	// RepoPath is the infrastructure repository the pipeline runs in.
	RepoPath string `json:"repo_path" yaml:"repo_path" validate:"required"`

	// Autonomous enables unattended remediation and continue-on-failure.
	Autonomous bool `json:"autonomous" yaml:"autonomous"`

	// Timeout bounds a whole run. Zero means no deadline.
	Timeout Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`

	// EscalationThreshold is the number of executions of one step after
	// which its failures are escalated to critical.
	EscalationThreshold int `json:"escalation_threshold" yaml:"escalation_threshold" validate:"gte=0"`

	Recovery    RecoveryConfig        `json:"recovery" yaml:"recovery"`
	Advisor     AdvisorConfig         `json:"advisor" yaml:"advisor"`
	Steps       map[string]StepConfig `json:"steps" yaml:"steps" validate:"dive,keys,oneof=analyze optimize secure visualize,endkeys"`
	Remediation RemediationConfig     `json:"remediation" yaml:"remediation"`
	Policy      PolicyConfig          `json:"policy" yaml:"policy"`
	Store       StoreConfig           `json:"store" yaml:"store"`
	Telemetry   TelemetryConfig       `json:"telemetry" yaml:"telemetry"`
}

// RecoveryConfig tunes the recovery loop.
type RecoveryConfig struct {
	MaxRetries int      `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  Duration `json:"base_delay" yaml:"base_delay" validate:"gte=0"`
	MaxDelay   Duration `json:"max_delay" yaml:"max_delay" validate:"gte=0"`
	Pause      Duration `json:"pause" yaml:"pause" validate:"gte=0"`

	// Strategies maps a classification to a Starlark script replacing its
	// built-in strategy.
	Strategies map[string]string `json:"strategies" yaml:"strategies" validate:"dive,keys,oneof=configuration permission network api resource infrastructure_tool validation system,endkeys,required"`

	// StarlarkMaxSteps caps the work of one scripted attempt.
	StarlarkMaxSteps uint64 `json:"starlark_max_steps" yaml:"starlark_max_steps"`
}

// AdvisorConfig selects the solution provider.
type AdvisorConfig struct {
	// Backend is none, basic, gemini or cli.
	Backend         string   `json:"backend" yaml:"backend" validate:"oneof=none basic gemini cli"`
	Model           string   `json:"model" yaml:"model"`
	Endpoint        string   `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Timeout         Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	MaxContextBytes int      `json:"max_context_bytes" yaml:"max_context_bytes" validate:"gte=0"`

	// Command and Args configure the cli backend.
	Command string   `json:"command" yaml:"command" validate:"required_if=Backend cli"`
	Args    []string `json:"args" yaml:"args"`
}

// StepConfig runs a pipeline step as an external command.
type StepConfig struct {
	Command string   `json:"command" yaml:"command" validate:"required"`
	Timeout Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// RemediationConfig controls command execution after a recovery.
type RemediationConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	ReinitCommand  string   `json:"reinit_command" yaml:"reinit_command"`
	CommandTimeout Duration `json:"command_timeout" yaml:"command_timeout" validate:"gte=0"`
	MaxCommands    int      `json:"max_commands" yaml:"max_commands" validate:"gte=0"`
}

// PolicyConfig lists Rego policies gating remediation commands.
type PolicyConfig struct {
	Paths []string `json:"paths" yaml:"paths" validate:"dive,required"`

	// Watch reloads the policies when the files change.
	Watch bool `json:"watch" yaml:"watch"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// TelemetryConfig is the user-facing subset of telemetry settings.
type TelemetryConfig struct {
	Environment string `json:"environment" yaml:"environment"`
	LogLevel    string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat   string `json:"log_format" yaml:"log_format" validate:"omitempty,oneof=console json"`

	Tracing struct {
		Enabled      bool    `json:"enabled" yaml:"enabled"`
		Exporter     string  `json:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `json:"endpoint" yaml:"endpoint" validate:"omitempty,hostname_port"`
		SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
		Insecure     bool    `json:"insecure" yaml:"insecure"`
	} `json:"tracing" yaml:"tracing"`

	Metrics struct {
		Enabled       bool   `json:"enabled" yaml:"enabled"`
		ListenAddress string `json:"listen_address" yaml:"listen_address"`
	} `json:"metrics" yaml:"metrics"`

	Events struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
		Async   bool `json:"async" yaml:"async"`
	} `json:"events" yaml:"events"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	cfg := &Config{
		RepoPath:            ".",
		EscalationThreshold: recovery.DefaultMaxRetries,
		Recovery: RecoveryConfig{
			MaxRetries:       recovery.DefaultMaxRetries,
			BaseDelay:        Duration(10 * time.Second),
			MaxDelay:         Duration(300 * time.Second),
			Pause:            Duration(time.Second),
			Strategies:       map[string]string{},
			StarlarkMaxSteps: recovery.DefaultStarlarkMaxSteps,
		},
		Advisor: AdvisorConfig{
			Backend:         "none",
			Model:           advisor.DefaultGeminiModel,
			Timeout:         Duration(advisor.DefaultTimeout),
			MaxContextBytes: advisor.DefaultMaxContextBytes,
		},
		Steps: map[string]StepConfig{
			"analyze":   {Command: "terraform init -backend=false -input=false -no-color", Timeout: Duration(5 * time.Minute)},
			"optimize":  {Command: "terraform fmt -check -recursive -no-color", Timeout: Duration(time.Minute)},
			"secure":    {Command: "terraform validate -no-color", Timeout: Duration(2 * time.Minute)},
			"visualize": {Command: "terraform graph", Timeout: Duration(time.Minute)},
		},
		Remediation: RemediationConfig{
			Enabled:        true,
			ReinitCommand:  "terraform init -input=false",
			CommandTimeout: Duration(5 * time.Minute),
			MaxCommands:    10,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    ".inframate/inframate.db",
		},
	}
	cfg.Telemetry.Environment = "development"
	cfg.Telemetry.LogLevel = "info"
	cfg.Telemetry.LogFormat = "console"
	cfg.Telemetry.Tracing.Exporter = "none"
	cfg.Telemetry.Tracing.SamplingRate = 1.0
	cfg.Telemetry.Tracing.Insecure = true
	cfg.Telemetry.Metrics.ListenAddress = ":9464"
	cfg.Telemetry.Events.Enabled = true
	return cfg
}

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Recovery.MaxDelay > 0 && c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		return fmt.Errorf("invalid configuration: recovery.max_delay %s is below base_delay %s",
			c.Recovery.MaxDelay, c.Recovery.BaseDelay)
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Exporter == "otlp" && c.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid configuration: telemetry.tracing.endpoint is required for the otlp exporter")
	}
	return nil
}

// RetryPolicy returns the recovery loop's backoff settings.
func (c *Config) RetryPolicy() recovery.RetryPolicy {
	return recovery.RetryPolicy{
		BaseDelay: c.Recovery.BaseDelay.Std(),
		MaxDelay:  c.Recovery.MaxDelay.Std(),
		Pause:     c.Recovery.Pause.Std(),
	}
}

// NewAdvisor builds the configured solution provider. It returns nil for the
// none backend.
func (c *Config) NewAdvisor() advisor.Advisor {
	a := c.Advisor
	switch a.Backend {
	case "basic":
		return advisor.Basic{}
	case "gemini":
		return advisor.NewGeminiClient(advisor.GeminiConfig{
			APIKey:          advisor.APIKeyFromEnv(),
			Model:           a.Model,
			Endpoint:        a.Endpoint,
			Timeout:         a.Timeout.Std(),
			MaxContextBytes: a.MaxContextBytes,
		})
	case "cli":
		return advisor.NewCLIClient(a.Command, a.Args, a.Timeout.Std())
	default:
		return nil
	}
}

// RemediateConfig returns the remediation settings for a run in workDir.
func (c *Config) RemediateConfig(workDir string) remediate.Config {
	return remediate.Config{
		Enabled:        c.Remediation.Enabled,
		ReinitCommand:  c.Remediation.ReinitCommand,
		CommandTimeout: c.Remediation.CommandTimeout.Std(),
		WorkDir:        workDir,
		MaxCommands:    c.Remediation.MaxCommands,
	}
}

// ToTelemetry overlays the user settings on telemetry.DefaultConfig.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	t := c.Telemetry
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	if t.LogLevel != "" {
		tc.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tc.Logging.Format = t.LogFormat
	}

	tc.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		tc.Tracing.Exporter = t.Tracing.Exporter
	}
	tc.Tracing.Endpoint = t.Tracing.Endpoint
	tc.Tracing.SamplingRate = t.Tracing.SamplingRate
	tc.Tracing.Insecure = t.Tracing.Insecure

	tc.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		tc.Metrics.ListenAddress = t.Metrics.ListenAddress
	}

	tc.Events.Enabled = t.Events.Enabled
	tc.Events.EnableAsync = t.Events.Async
	return tc
}
