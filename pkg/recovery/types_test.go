package recovery

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		in    string
		want  Classification
		valid bool
	}{
		{"api", ClassAPI, true},
		{"API_ERROR", ClassAPI, true},
		{"terraform", ClassInfrastructureTool, true},
		{"terraform_error", ClassInfrastructureTool, true},
		{" config ", ClassConfiguration, true},
		{"unknown", ClassUnknown, true},
		{"gremlins", "gremlins", false},
	}
	for _, tt := range tests {
		got, ok := ParseClassification(tt.in)
		if ok != tt.valid || (ok && got != tt.want) {
			t.Errorf("ParseClassification(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

func TestNormalize(t *testing.T) {
	for in, want := range map[string]Classification{
		"unknown":          ClassSystem,
		"":                 ClassSystem,
		"gremlins":         ClassSystem,
		"network_error":    ClassNetwork,
		"permission":       ClassPermission,
		"infrastructure":   ClassInfrastructureTool,
		"validation_error": ClassValidation,
	} {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) || SeverityLow.AtLeast(SeverityMedium) {
		t.Error("severity ordering is wrong")
	}
	if _, err := ParseSeverity("CRITICAL"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseSeverity("apocalyptic"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestNewErrorContextDefaults(t *testing.T) {
	data := map[string]any{"step": "analyze"}
	ec := NewErrorContext(ClassAPI, "boom", Severity("bogus"), data)

	if ec.Severity != SeverityMedium {
		t.Errorf("invalid severity should default to medium, got %s", ec.Severity)
	}
	if ec.RetryCount != 0 || ec.MaxRetries != DefaultMaxRetries || ec.LastAttempt != nil || ec.Recovered() {
		t.Errorf("unexpected initial state: %+v", ec)
	}
	if ec.ID == "" || ec.CreatedAt.IsZero() {
		t.Error("expected id and creation time")
	}

	data["step"] = "secure"
	if ec.ContextData["step"] != "analyze" {
		t.Error("context data should be copied")
	}
}

func TestStepError(t *testing.T) {
	cause := errors.New("HTTP 429")
	err := fmt.Errorf("analyze: %w", NewAPIError("rate limited", cause).WithStep("analyze").WithCode(ErrCodeRateLimited))

	se, ok := AsStepError(err)
	if !ok {
		t.Fatal("expected StepError in chain")
	}
	if se.Classification != ClassAPI || se.Step != "analyze" {
		t.Errorf("unexpected step error: %+v", se)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if !errors.Is(err, &StepError{Classification: ClassAPI, Code: ErrCodeRateLimited}) {
		t.Error("expected match on classification and code")
	}
	if NewPermissionError("denied", nil).Severity != SeverityHigh {
		t.Error("permission errors default to high severity")
	}
	if got := NewToolError("init failed", nil).WithStep("secure").Error(); got != "[infrastructure_tool] secure: init failed" {
		t.Errorf("Error() = %q", got)
	}
}
