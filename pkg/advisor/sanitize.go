package advisor

import "regexp"

type redaction struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// redactions are applied to everything that leaves the process.
var redactions = []redaction{
	{
		name:        "aws access key",
		re:          regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		replacement: "[AWS_ACCESS_KEY_REDACTED]",
	},
	{
		name:        "aws secret key",
		re:          regexp.MustCompile(`(?i)(aws_secret_access_key|secret_access_key)\s*[=:]\s*\S+`),
		replacement: "$1=[REDACTED]",
	},
	{
		name:        "google api key",
		re:          regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
		replacement: "[GOOGLE_API_KEY_REDACTED]",
	},
	{
		name:        "pem block",
		re:          regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]+?-----END [A-Z ]+-----`),
		replacement: "[PEM_BLOCK_REDACTED]",
	},
	{
		name:        "bearer token",
		re:          regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
		replacement: "Bearer [TOKEN_REDACTED]",
	},
	{
		name:        "github token",
		re:          regexp.MustCompile(`gh[po]_[A-Za-z0-9]{36}`),
		replacement: "[GITHUB_TOKEN_REDACTED]",
	},
	{
		name:        "generic secret",
		re:          regexp.MustCompile(`(?i)(password|passwd|token|secret|api_key|apikey)\s*[=:]\s*\S+`),
		replacement: "$1=[REDACTED]",
	},
}

// Sanitize removes credentials from text before it is sent to a provider.
func Sanitize(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.replacement)
	}
	return out
}
