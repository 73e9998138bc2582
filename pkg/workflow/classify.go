package workflow

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/inframate/inframate/pkg/recovery"
)

type keywordRule struct {
	keywords []string
	class    recovery.Classification
	severity recovery.Severity
}

// Rules are checked in order; the first match wins.
var (
	typeRules = []keywordRule{
		{[]string{"permission", "access"}, recovery.ClassPermission, recovery.SeverityHigh},
		{[]string{"connection", "timeout", "net.", "dnserror", "url.error"}, recovery.ClassNetwork, recovery.SeverityMedium},
		{[]string{"syntax", "parse", "unmarshal", "numerror", "validation"}, recovery.ClassValidation, recovery.SeverityMedium},
		{[]string{"config"}, recovery.ClassConfiguration, recovery.SeverityMedium},
	}
	messageRules = []keywordRule{
		{[]string{"terraform"}, recovery.ClassInfrastructureTool, recovery.SeverityHigh},
		{[]string{"api", "rate limit"}, recovery.ClassAPI, recovery.SeverityMedium},
		{[]string{"resource", "already exists"}, recovery.ClassResource, recovery.SeverityHigh},
		{[]string{"permission", "denied"}, recovery.ClassPermission, recovery.SeverityHigh},
	}
)

// Classify derives a classification and severity for a fault. An explicit
// StepError wins, then the error type, then well-known sentinel errors, then
// message keywords. Anything else is unknown with medium severity.
func Classify(f *Fault) (recovery.Classification, recovery.Severity) {
	if f == nil {
		return recovery.ClassUnknown, recovery.SeverityMedium
	}

	if f.Hint != nil {
		sev := f.Hint.Severity
		if !sev.Valid() {
			sev = defaultSeverity(f.Hint.Classification)
		}
		return f.Hint.Classification, sev
	}

	if r, ok := match(strings.TrimPrefix(f.TypeName, "panic "), typeRules); ok {
		return r.class, r.severity
	}

	if f.Err != nil {
		var netErr net.Error
		switch {
		case errors.Is(f.Err, os.ErrPermission):
			return recovery.ClassPermission, recovery.SeverityHigh
		case errors.Is(f.Err, context.DeadlineExceeded), errors.As(f.Err, &netErr):
			return recovery.ClassNetwork, recovery.SeverityMedium
		}
	}

	if r, ok := match(f.Message, messageRules); ok {
		return r.class, r.severity
	}

	return recovery.ClassUnknown, recovery.SeverityMedium
}

func match(s string, rules []keywordRule) (keywordRule, bool) {
	lower := strings.ToLower(s)
	if lower == "" {
		return keywordRule{}, false
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r, true
			}
		}
	}
	return keywordRule{}, false
}

func defaultSeverity(class recovery.Classification) recovery.Severity {
	switch class {
	case recovery.ClassPermission, recovery.ClassResource, recovery.ClassInfrastructureTool:
		return recovery.SeverityHigh
	default:
		return recovery.SeverityMedium
	}
}
