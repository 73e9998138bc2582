package remediate

import (
	"regexp"
	"strings"

	"github.com/inframate/inframate/pkg/advisor"
)

// commandMarkers introduce an explicit command inside a remediation step.
var commandMarkers = []string{"Run:", "Execute:"}

// knownTools are programs recognized after a bare "description: command"
// separator.
var knownTools = map[string]bool{
	"terraform": true,
	"tofu":      true,
	"aws":       true,
	"git":       true,
	"python":    true,
	"python3":   true,
	"npm":       true,
	"mkdir":     true,
}

// placeholderPattern matches template slots such as [LOCK_ID] or
// <bucket-name> that a human must fill in. Index expressions like [0] and
// ["key"] are not placeholders.
var placeholderPattern = regexp.MustCompile(`\[[^\[\]"'0-9\s][^\[\]]*\]|<[^<>\s][^<>]*>`)

// ExtractCommand returns the command embedded in a remediation step, if any.
// "Run: <cmd>" and "Execute: <cmd>" are explicit; otherwise text after the
// first colon counts when it starts with a known tool.
func ExtractCommand(step string) (string, bool) {
	for _, marker := range commandMarkers {
		if _, after, ok := strings.Cut(step, marker); ok {
			return cleanCommand(after)
		}
	}

	_, after, ok := strings.Cut(step, ":")
	if !ok {
		return "", false
	}
	cmd, ok := cleanCommand(after)
	if !ok {
		return "", false
	}
	first := strings.ToLower(strings.Fields(cmd)[0])
	if !knownTools[first] {
		return "", false
	}
	return cmd, true
}

// ExtractCommands returns the distinct commands found in a solution's steps,
// in order.
func ExtractCommands(sol *advisor.Solution) []string {
	if sol == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, step := range sol.RemediationSteps {
		cmd, ok := ExtractCommand(step)
		if !ok || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}

func cleanCommand(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`")
	s = strings.TrimSpace(s)
	if s == "" || placeholderPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
