// Package policy gates remediation commands with Open Policy Agent.
//
// Before inframate runs a command suggested by the advisor or implied by a
// recovery outcome, the command is evaluated against every enabled Rego
// policy. Each policy defines a deny set; entries with severity error or
// critical block the command and warnings are reported only.
//
// # Built-in policies
//
//   - destructive-commands: terraform destroy, state surgery, force pushes,
//     recursive deletes and cloud delete calls
//   - privilege-escalation: sudo, su and friends
//   - shell-interpreters: sh -c and shell operators
//   - critical-failures: no autonomous remediation of critical failures
//   - inline-secrets: warns about credentials on the command line
//
// # Input document
//
//	{
//	  "command": "terraform init -upgrade",
//	  "argv": ["terraform", "init", "-upgrade"],
//	  "program": "terraform",
//	  "source": "reinitialize",
//	  "step": "secure",
//	  "classification": "infrastructure_tool",
//	  "severity": "high",
//	  "autonomous": true
//	}
//
// # Custom policies
//
// Policies are loaded from .rego or .json files:
//
//	package team.remediation
//
//	import rego.v1
//
//	deny contains msg if {
//		input.program == "terraform"
//		"apply" in input.argv
//		msg := "terraform apply requires review"
//	}
//
// Engine.Watch reloads file policies when they change.
package policy
