package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyTerraformApply = `# Blocks terraform apply during recovery
# Applies must go through review.
package test.apply

import rego.v1

deny contains msg if {
	input.program == "terraform"
	"apply" in input.argv
	msg := "terraform apply requires review"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-apply.rego")
	writeFile(t, path, denyTerraformApply)

	policy, err := LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "no-apply" {
		t.Errorf("Expected name 'no-apply', got '%s'", policy.Name)
	}
	if policy.Description != "Blocks terraform apply during recovery Applies must go through review." {
		t.Errorf("unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("unexpected defaults: enabled=%v severity=%s", policy.Enabled, policy.Severity)
	}
	if policy.Metadata["source"] != path {
		t.Errorf("expected source metadata, got %v", policy.Metadata)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.json")
	writeFile(t, path, `{"description": "warn only", "rego": "package w\n", "severity": "warning", "enabled": true}`)

	policy, err := LoadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "warn" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("unexpected policy: %+v", policy)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, "{not json")
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}

	other := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, other, "a: b")
	if _, err := LoadFile(other); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), denyTerraformApply)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-apply.rego"), denyTerraformApply)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	allowed, reason, err := eng.Check(context.Background(), NewInput("terraform apply", []string{"terraform", "apply"}))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allowed || reason != "terraform apply requires review" {
		t.Errorf("expected file policy to deny, got allowed=%v reason=%q", allowed, reason)
	}
}

func TestEngineWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "placeholder.rego"), "package placeholder\n")

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, filepath.Join(dir, "no-apply.rego"), denyTerraformApply)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("no-apply"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after the file was written")
}
