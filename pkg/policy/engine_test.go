package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func commandInput(t *testing.T, command string) *Input {
	t.Helper()
	return NewInput(command, strings.Fields(command))
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		PolicyCriticalFailure,
		PolicyDestructive,
		PolicySecrets,
		PolicyPrivilege,
		PolicyShell,
	}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for _, name := range expected {
		if _, err := eng.GetPolicy(name); err != nil {
			t.Errorf("Expected built-in policy not found: %s", name)
		}
	}
}

func TestEvaluate_Commands(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		command    string
		severity   string
		autonomous bool
		allowed    bool
		policy     string
	}{
		{name: "terraform init", command: "terraform init -upgrade", allowed: true},
		{name: "terraform force-unlock", command: "terraform force-unlock -force 1234", policy: PolicyDestructive},
		{name: "tofu force-unlock", command: "tofu force-unlock 1234", policy: PolicyDestructive},
		{name: "mkdir", command: "mkdir -p modules/network", allowed: true},
		{name: "rm single file", command: "rm terraform.tfstate.backup", allowed: true},
		{name: "rm recursive", command: "rm -rf .terraform", policy: PolicyDestructive},
		{name: "rm split flags", command: "rm -f -r build", policy: PolicyDestructive},
		{name: "terraform destroy", command: "terraform destroy -auto-approve", policy: PolicyDestructive},
		{name: "terraform apply destroy", command: "terraform apply -destroy", policy: PolicyDestructive},
		{name: "terraform state rm", command: "terraform state rm aws_s3_bucket.logs", policy: PolicyDestructive},
		{name: "terraform state list", command: "terraform state list", allowed: true},
		{name: "git force push", command: "git push --force origin main", policy: PolicyDestructive},
		{name: "git push", command: "git push origin main", allowed: true},
		{name: "git reset hard", command: "git reset --hard HEAD~1", policy: PolicyDestructive},
		{name: "git clean", command: "git clean -fdx", policy: PolicyDestructive},
		{name: "kubectl delete", command: "kubectl delete ns prod", policy: PolicyDestructive},
		{name: "aws delete", command: "aws dynamodb delete-table --table-name locks", policy: PolicyDestructive},
		{name: "aws s3 rb", command: "aws s3 rb s3://bucket", policy: PolicyDestructive},
		{name: "aws describe", command: "aws sts get-caller-identity", allowed: true},
		{name: "sudo", command: "sudo terraform init", policy: PolicyPrivilege},
		{name: "inline shell", command: "bash -c 'terraform init'", policy: PolicyShell},
		{name: "pipe", command: "terraform plan | tee plan.txt", policy: PolicyShell},
		{name: "critical autonomous", command: "terraform init", severity: "critical", autonomous: true, policy: PolicyCriticalFailure},
		{name: "critical supervised", command: "terraform init", severity: "critical", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := commandInput(t, tt.command)
			input.Severity = tt.severity
			input.Autonomous = tt.autonomous

			result, err := eng.Evaluate(ctx, input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(result.Errors) > 0 {
				t.Fatalf("policy errors: %v", result.Errors)
			}
			if result.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (violations: %+v)", result.Allowed, tt.allowed, result.Violations)
			}
			if tt.policy == "" {
				return
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.policy {
					found = true
				}
			}
			if !found {
				t.Errorf("expected violation from %s, got %+v", tt.policy, result.Violations)
			}
		})
	}
}

func TestEvaluate_WarningsDoNotBlock(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), commandInput(t, "terraform plan -var db_password=hunter2"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("warnings must not block: %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicySecrets {
		t.Errorf("expected one secrets warning, got %+v", result.Warnings)
	}
}

func TestCheck(t *testing.T) {
	eng := newTestEngine(t)

	allowed, reason, err := eng.Check(context.Background(), commandInput(t, "sudo rm -rf /"))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allowed || reason == "" {
		t.Errorf("expected denial with reason, got allowed=%v reason=%q", allowed, reason)
	}

	if _, err := eng.Evaluate(context.Background(), nil); err == nil {
		t.Error("expected error for nil input")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := commandInput(t, "sudo terraform init")

	if err := eng.DisablePolicy(PolicyPrivilege); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still applied: %+v", result.Violations)
	}

	if err := eng.EnablePolicy(PolicyPrivilege); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, _ = eng.Evaluate(ctx, input)
	if result.Allowed {
		t.Error("re-enabled policy not applied")
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAddPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "no-npm",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.npm

import rego.v1

deny contains msg if {
	input.program == "npm"
	msg := "npm is not used in this repository"
}
`,
	}
	if err := eng.AddPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	result, err := eng.Evaluate(ctx, commandInput(t, "npm install"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed || result.Reason() != "npm is not used in this repository" {
		t.Errorf("custom policy not applied: %+v", result)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains x if {"}
	if err := eng.AddPolicies(ctx, []Policy{broken}); err == nil {
		t.Error("expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("broken policy should not be stored")
	}
}

func TestReplaceKeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "extra", Severity: SeverityError, Enabled: true, Rego: "package extra\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}
	if err := eng.AddPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}
	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if _, err := eng.GetPolicy("extra"); err == nil {
		t.Error("file policy should be dropped by Replace")
	}
	if _, err := eng.GetPolicy(PolicyDestructive); err != nil {
		t.Error("built-in policy lost by Replace")
	}
}
