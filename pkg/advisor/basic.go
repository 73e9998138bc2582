package advisor

import (
	"context"
	"fmt"
	"strings"
)

// Basic is an offline, rule-based advisor. It is always available and never
// leaves the process.
type Basic struct{}

// Name returns "basic".
func (Basic) Name() string { return "basic" }

// Available always returns true.
func (Basic) Available() bool { return true }

// Advise returns canned remediation steps for the request's classification.
func (Basic) Advise(_ context.Context, req Request) (*Solution, error) {
	msg := strings.ToLower(req.Message)

	var steps []string
	switch normalizeClass(req.Classification) {
	case "infrastructure_tool":
		switch {
		case strings.Contains(msg, "state_lock") || strings.Contains(msg, "state lock") ||
			strings.Contains(msg, "lock"):
			steps = []string{
				"Wait for any running Terraform operations to complete",
				"Run: terraform force-unlock [LOCK_ID]",
				"Retry the failed operation",
			}
		case strings.Contains(msg, "no such file"):
			steps = []string{
				"Run: terraform init",
				"Retry the failed operation",
			}
		default:
			steps = []string{
				"Check Terraform configuration files for syntax errors",
				"Verify cloud credentials are properly configured",
				"Run: terraform validate",
			}
		}
	case "api":
		if strings.Contains(msg, "rate limit") {
			steps = []string{
				"Wait for the rate limit window to reset",
				"Retry the operation with exponential backoff",
			}
		} else {
			steps = []string{
				"Check API credentials",
				"Verify network connectivity",
				"Retry with exponential backoff",
			}
		}
	case "permission":
		steps = []string{
			"Check IAM permissions",
			"Verify CI workflow permissions",
			"Ensure necessary environment variables are set",
		}
	case "network":
		steps = []string{
			"Check network connectivity",
			"Verify firewall settings",
			"Retry the operation with exponential backoff",
		}
	default:
		steps = []string{
			"Check logs for detailed error information",
			"Verify all dependencies are installed",
			"Check environment configuration",
		}
	}

	return &Solution{
		RootCause:        fmt.Sprintf("Basic analysis for %s: %s", req.Classification, truncate(Sanitize(req.Message), 100)),
		RemediationSteps: steps,
		Prevention:       "Implement more comprehensive error handling",
		Source:           "basic",
	}, nil
}

// normalizeClass maps legacy "<x>_error" spellings onto classification names.
func normalizeClass(c string) string {
	c = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c)), "_error")
	if c == "terraform" {
		return "infrastructure_tool"
	}
	return c
}
