package advisor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseSolution turns a free-text provider reply into a Solution.
//
// The reply is expected to embed a JSON object; everything between the first
// '{' and the last '}' is decoded. Replies without a decodable object are
// returned as a raw-text solution. An empty reply yields ErrEmptyResponse.
func ParseSolution(text string) (*Solution, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return &Solution{RawText: text}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return &Solution{RawText: text}, nil
	}

	sol := &Solution{
		RootCause:  stringField(payload, "root_cause", "cause", "diagnosis"),
		Prevention: stringField(payload, "prevention", "prevention_tips"),
	}

	for _, key := range []string{"recovery_steps", "remediation_steps", "solution", "steps"} {
		if v, ok := payload[key]; ok {
			sol.RemediationSteps = stepsFrom(v)
			if len(sol.RemediationSteps) > 0 {
				break
			}
		}
	}

	if sol.RootCause == "" && len(sol.RemediationSteps) == 0 && sol.Prevention == "" {
		return &Solution{RawText: text}, nil
	}
	return sol, nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case []any:
			return strings.Join(stepsFrom(val), "; ")
		}
	}
	return ""
}

// stepsFrom accepts a single string, a list of strings, or a list of
// {step, description, command} objects.
func stepsFrom(v any) []string {
	switch val := v.(type) {
	case string:
		var steps []string
		for _, line := range strings.Split(val, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				steps = append(steps, line)
			}
		}
		return steps
	case []any:
		steps := make([]string, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					steps = append(steps, s)
				}
			case map[string]any:
				if s := stepFromObject(it); s != "" {
					steps = append(steps, s)
				}
			default:
				steps = append(steps, fmt.Sprint(it))
			}
		}
		return steps
	default:
		return nil
	}
}

func stepFromObject(obj map[string]any) string {
	desc, _ := obj["description"].(string)
	if desc == "" {
		desc, _ = obj["step"].(string)
	}
	if cmd, ok := obj["command"].(string); ok && cmd != "" {
		if desc == "" {
			return "Run: " + cmd
		}
		return fmt.Sprintf("%s Run: %s", strings.TrimRight(desc, ". ")+".", cmd)
	}
	return strings.TrimSpace(desc)
}
