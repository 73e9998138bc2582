package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates remediation commands against Rego policies. Every
// enabled policy's deny set is queried; error and critical violations deny
// the command, and a policy that fails to evaluate denies it as well.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a prepared Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate checks one command against all enabled policies.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is required")
	}
	start := time.Now()

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			snap := *cp
			policies = append(policies, &snap)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	result := &Result{Allowed: true}
	for _, cp := range policies {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("command", input.Command).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			result.Allowed = false
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("command", input.Command).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Command policy evaluation completed")

	return result, nil
}

// Check is a convenience wrapper returning whether command is allowed and
// the first denial reason.
func (e *Engine) Check(ctx context.Context, input *Input) (bool, string, error) {
	res, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, "", err
	}
	reason := res.Reason()
	if reason == "" && len(res.Errors) > 0 {
		reason = res.Errors[0]
	}
	return res.Allowed, reason, nil
}

// LoadPolicies loads policy files and adds them to the engine. Policies with
// the same name as an existing policy replace it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and stores policies. Nothing is stored if any policy
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

// newViolation creates a Violation from one deny entry. Entries may be
// plain strings or objects with message and severity.
func newViolation(policy *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		for key, field := range val {
			switch key {
			case "message":
				v.Message, _ = field.(string)
			case "severity":
				if s, ok := field.(string); ok {
					v.Severity = Severity(s)
				}
			default:
				if v.Details == nil {
					v.Details = make(map[string]any)
				}
				v.Details[key] = field
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	return v
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := extractPackageName(policy.Rego)
	if pkg == "" {
		return nil, fmt.Errorf("policy has no package declaration")
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies drops loaded policies and reloads the built-ins followed by
// the policies found at paths.
func (e *Engine) ReloadPolicies(ctx context.Context, paths []string) error {
	var loaded []Policy
	if len(paths) > 0 {
		var err error
		loaded, err = NewLoader(e.logger).LoadFromPaths(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return e.Replace(ctx, loaded)
}

// Replace swaps the file-based policies for policies, keeping the built-ins.
// It is used as the reload callback for Loader.Watch.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	if err := next.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if err := next.AddPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = next.policies
	e.mu.Unlock()
	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	p.Enabled = enabled
	cp.policy = &p
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// Watch reloads file-based policies from paths whenever they change.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Replace(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}
