// Package advisor consults an external solution provider for a structured
// remediation suggestion about a failure.
//
// Advisors are best-effort collaborators: callers treat any error as "no
// advice available" and carry on with their own recovery logic.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMaxContextBytes bounds the serialized context sent to a provider.
const DefaultMaxContextBytes = 4000

// maxValueLen is the length at which individual context strings are cut.
const maxValueLen = 500

var (
	// ErrUnavailable is returned when the provider has no credentials or binary.
	ErrUnavailable = errors.New("advisor unavailable")

	// ErrEmptyResponse is returned when the provider answered with no text.
	ErrEmptyResponse = errors.New("advisor returned an empty response")
)

// Advisor produces remediation suggestions for a failure.
type Advisor interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Available reports whether the backend can be called at all.
	Available() bool

	// Advise performs at most one outbound call and returns the parsed advice.
	Advise(ctx context.Context, req Request) (*Solution, error)
}

// Request describes the failure an advisor is asked about.
type Request struct {
	Classification string         `json:"classification"`
	Message        string         `json:"message"`
	Severity       string         `json:"severity"`
	RetryCount     int            `json:"retry_count"`
	ContextData    map[string]any `json:"context_data,omitempty"`
}

// Solution is the advice returned by a provider.
type Solution struct {
	// RootCause is the provider's diagnosis.
	RootCause string `json:"root_cause,omitempty"`

	// RemediationSteps is the ordered list of suggested actions.
	RemediationSteps []string `json:"remediation_steps,omitempty"`

	// Prevention describes how to avoid the failure in the future.
	Prevention string `json:"prevention,omitempty"`

	// RawText holds the unparsed reply when it carried no usable JSON.
	RawText string `json:"raw_text,omitempty"`

	// Source names the advisor that produced the solution.
	Source string `json:"source,omitempty"`
}

// HasSteps reports whether the solution carries usable remediation steps.
func (s *Solution) HasSteps() bool {
	if s == nil {
		return false
	}
	for _, step := range s.RemediationSteps {
		if strings.TrimSpace(step) != "" {
			return true
		}
	}
	return false
}

// IsRaw reports whether the solution is the raw-text fallback.
func (s *Solution) IsRaw() bool {
	return s != nil && s.RawText != "" && s.RootCause == "" && len(s.RemediationSteps) == 0
}

// BoundContext returns a redacted copy of data whose JSON encoding fits within
// maxBytes. Long strings are truncated first; if that is not enough, keys are
// dropped in reverse lexical order and "_truncated" is set.
func BoundContext(data map[string]any, maxBytes int) map[string]any {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContextBytes
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = boundValue(v)
	}

	if encodedLen(out) <= maxBytes {
		return out
	}

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out["_truncated"] = true
	for i := len(keys) - 1; i >= 0 && encodedLen(out) > maxBytes; i-- {
		delete(out, keys[i])
	}
	return out
}

func boundValue(v any) any {
	switch val := v.(type) {
	case string:
		return truncate(Sanitize(val), maxValueLen)
	case error:
		return truncate(Sanitize(val.Error()), maxValueLen)
	case fmt.Stringer:
		return truncate(Sanitize(val.String()), maxValueLen)
	case int, int32, int64, float32, float64, bool, nil:
		return val
	default:
		// Anything else is flattened so the payload stays predictable.
		b, err := json.Marshal(val)
		if err != nil {
			return truncate(fmt.Sprintf("%v", val), maxValueLen)
		}
		return truncate(Sanitize(string(b)), maxValueLen)
	}
}

func encodedLen(m map[string]any) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}

// BuildPrompt renders the request into the prompt sent to text providers.
func BuildPrompt(req Request, maxContextBytes int) string {
	var b strings.Builder

	b.WriteString("You are an expert DevOps engineer specializing in infrastructure automation and cloud deployments.\n")
	b.WriteString("An error occurred during an infrastructure pipeline run.\n\n")
	fmt.Fprintf(&b, "ERROR TYPE: %s\n", req.Classification)
	fmt.Fprintf(&b, "SEVERITY: %s\n", req.Severity)
	fmt.Fprintf(&b, "ATTEMPTS SO FAR: %d\n", req.RetryCount)
	fmt.Fprintf(&b, "ERROR MESSAGE: %s\n", truncate(Sanitize(req.Message), 2000))

	if ctxData := BoundContext(req.ContextData, maxContextBytes); len(ctxData) > 0 {
		if encoded, err := json.MarshalIndent(ctxData, "", "  "); err == nil {
			fmt.Fprintf(&b, "CONTEXT:\n%s\n", encoded)
		}
	}

	b.WriteString("\nProvide:\n")
	b.WriteString("1. The most likely root cause\n")
	b.WriteString("2. Step-by-step recovery instructions, prefixing shell commands with \"Run:\"\n")
	b.WriteString("3. How to prevent this error in the future\n\n")
	b.WriteString("Respond with a JSON object with the keys \"root_cause\", \"recovery_steps\" (array of strings) and \"prevention\".\n")

	return b.String()
}
