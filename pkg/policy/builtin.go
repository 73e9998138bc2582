package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	PolicyDestructive     = "destructive-commands"
	PolicyPrivilege       = "privilege-escalation"
	PolicyShell           = "shell-interpreters"
	PolicyCriticalFailure = "critical-failures"
	PolicySecrets         = "inline-secrets"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		privilegeEscalationPolicy(),
		shellInterpretersPolicy(),
		criticalFailuresPolicy(),
		inlineSecretsPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, src string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Tags:        tags,
		Metadata:    map[string]any{"source": "builtin"},
		UpdatedAt:   time.Now(),
		Rego:        src,
	}
}

// destructiveCommandsPolicy blocks commands that delete infrastructure,
// history or files.
func destructiveCommandsPolicy() Policy {
	return builtin(PolicyDestructive,
		"Blocks commands that destroy infrastructure, rewrite git history or delete files recursively",
		SeverityError, []string{"safety", "destructive"}, `package inframate.remediation.destructive

import rego.v1

args := array.slice(input.argv, 1, count(input.argv))

short_flags contains f if {
	some arg in args
	startswith(arg, "-")
	not startswith(arg, "--")
	some f in split(trim_prefix(arg, "-"), "")
}

recursive if {
	"r" in short_flags
}

recursive if {
	"R" in short_flags
}

recursive if {
	"--recursive" in args
}

forced if {
	"f" in short_flags
}

forced if {
	"--force" in args
}

tf_programs := {"terraform", "tofu", "terragrunt"}

deny contains violation if {
	input.program == "rm"
	recursive
	violation := {
		"message": sprintf("recursive delete is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program in tf_programs
	some arg in args
	arg in {"destroy", "-destroy"}
	violation := {
		"message": sprintf("destroying infrastructure is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program in tf_programs
	some i
	args[i] == "state"
	args[i + 1] in {"rm", "mv", "push", "replace-provider"}
	violation := {
		"message": sprintf("state surgery requires manual review: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program in tf_programs
	"force-unlock" in args
	violation := {
		"message": sprintf("state surgery requires manual review: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "git"
	"push" in args
	some arg in args
	arg in {"-f", "--force", "--force-with-lease", "--mirror", "--delete"}
	violation := {
		"message": sprintf("rewriting remote history is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "git"
	"reset" in args
	"--hard" in args
	violation := {
		"message": sprintf("discarding local changes is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "git"
	"clean" in args
	forced
	violation := {
		"message": sprintf("deleting untracked files is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "kubectl"
	"delete" in args
	violation := {
		"message": sprintf("deleting cluster resources is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "helm"
	some arg in args
	arg in {"uninstall", "delete"}
	violation := {
		"message": sprintf("uninstalling releases is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "aws"
	some arg in args
	some prefix in ["delete-", "terminate-", "remove-", "deregister-"]
	startswith(arg, prefix)
	violation := {
		"message": sprintf("deleting cloud resources is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program == "aws"
	"s3" in args
	some arg in args
	arg in {"rb", "rm"}
	violation := {
		"message": sprintf("deleting S3 data is not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program in {"dd", "shutdown", "reboot", "halt", "poweroff"}
	violation := {
		"message": sprintf("system-level command is not allowed: %s", [input.program]),
		"severity": "error",
	}
}

deny contains violation if {
	startswith(input.program, "mkfs")
	violation := {
		"message": sprintf("system-level command is not allowed: %s", [input.program]),
		"severity": "error",
	}
}
`)
}

// privilegeEscalationPolicy blocks commands that gain root.
func privilegeEscalationPolicy() Policy {
	return builtin(PolicyPrivilege,
		"Blocks commands that escalate privileges",
		SeverityCritical, []string{"safety", "privilege"}, `package inframate.remediation.privilege

import rego.v1

deny contains violation if {
	input.program in {"sudo", "su", "doas", "pkexec"}
	violation := {
		"message": sprintf("privilege escalation is not allowed: %s", [input.program]),
		"severity": "critical",
	}
}
`)
}

// shellInterpretersPolicy blocks commands that need a shell. Remediation
// commands run without one, so shell syntax would be passed through as
// literal arguments.
func shellInterpretersPolicy() Policy {
	return builtin(PolicyShell,
		"Blocks inline shell scripts and shell operators",
		SeverityError, []string{"safety", "shell"}, `package inframate.remediation.shell

import rego.v1

deny contains violation if {
	input.program in {"sh", "bash", "zsh", "dash", "ksh", "fish"}
	"-c" in input.argv
	violation := {
		"message": sprintf("inline shell scripts are not allowed: %s", [input.command]),
		"severity": "error",
	}
}

deny contains violation if {
	some arg in input.argv
	arg in {"|", "||", "&&", ";", ">", ">>", "<"}
	violation := {
		"message": sprintf("shell operator %s is not supported; split the command into separate steps", [arg]),
		"severity": "error",
	}
}
`)
}

// criticalFailuresPolicy keeps a human in the loop for critical failures.
func criticalFailuresPolicy() Policy {
	return builtin(PolicyCriticalFailure,
		"Requires manual remediation of critical failures",
		SeverityError, []string{"safety", "severity"}, `package inframate.remediation.critical

import rego.v1

deny contains violation if {
	input.autonomous
	input.severity == "critical"
	violation := {
		"message": "critical failures require manual remediation",
		"severity": "error",
	}
}
`)
}

// inlineSecretsPolicy warns about credentials on the command line.
func inlineSecretsPolicy() Policy {
	return builtin(PolicySecrets,
		"Warns about credentials passed on the command line",
		SeverityWarning, []string{"secrets"}, `package inframate.remediation.secrets

import rego.v1

deny contains violation if {
	regex.match("(?i)(password|passwd|secret|token|api[_-]?key)=[^ ]+", input.command)
	violation := {
		"message": "command line appears to contain a credential",
		"severity": "warning",
	}
}
`)
}
