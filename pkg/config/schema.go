package config

// configSchema constrains .cue configuration files. #Config is closed, so a
// misspelled field is an error instead of being silently ignored.
const configSchema = `
#Duration: (string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$") | (number & >=0)

#Config: {
	repo_path?:            string & !=""
	autonomous?:           bool
	timeout?:              #Duration
	escalation_threshold?: int & >=0

	recovery?: {
		max_retries?: int & >=0 & <=10
		base_delay?:  #Duration
		max_delay?:   #Duration
		pause?:       #Duration
		strategies?: [=~"^(configuration|permission|network|api|resource|infrastructure_tool|validation|system)$"]: string & !=""
		starlark_max_steps?: int & >0
	}

	advisor?: {
		backend?:           "none" | "basic" | "gemini" | "cli"
		model?:             string
		endpoint?:          string
		timeout?:           #Duration
		max_context_bytes?: int & >0
		command?:           string
		args?: [...string]
	}

	steps?: [=~"^(analyze|optimize|secure|visualize)$"]: {
		command:  string & !=""
		timeout?: #Duration
	}

	remediation?: {
		enabled?:         bool
		reinit_command?:  string
		command_timeout?: #Duration
		max_commands?:    int & >=0
	}

	policy?: {
		paths?: [...string]
		watch?: bool
	}

	store?: {
		enabled?: bool
		path?:    string
	}

	telemetry?: {
		environment?: string
		log_level?:   "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:  "console" | "json"
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
		}
		events?: {
			enabled?: bool
			async?:   bool
		}
	}
}
`
