package recovery

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

var (
	rateLimitPhrases = []string{
		"rate limit", "rate-limit", "ratelimit", "too many requests", "429",
		"quota", "throttl", "timeout", "timed out",
	}
	authPhrases = []string{
		"unauthorized", "unauthorised", "forbidden", "authentication",
		"authorization failed", "invalid api key", "api key not valid",
		"invalid credentials", "401", "403",
	}
	lockPhrases = []string{
		"state lock", "state_lock", "locked", "lock id", "acquire lock", "acquiring lock",
	}
	missingStatePhrases = []string{
		"no such file", "not initialized", "missing state", "state file",
		"terraform init", "module not installed", "plugin not installed",
	}
	formatPhrases = []string{
		"format", "invalid", "parse", "syntax", "malformed", "unexpected token",
		"unmarshal", "decode",
	}
	testFaultPhrases = []string{
		"test error", "injected",
	}
)

func containsAny(msg string, phrases []string) bool {
	lower := strings.ToLower(msg)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RegisterBuiltins binds the default strategy for every classification.
func RegisterBuiltins(r *Registry, logger zerolog.Logger) {
	r.Register(ClassAPI, StrategyFunc(apiStrategy))
	r.Register(ClassInfrastructureTool, StrategyFunc(infrastructureToolStrategy))
	r.Register(ClassResource, StrategyFunc(resourceStrategy))
	r.Register(ClassPermission, permissionStrategy(logger))
	r.Register(ClassNetwork, StrategyFunc(networkStrategy))
	r.Register(ClassValidation, StrategyFunc(validationStrategy))
	r.Register(ClassConfiguration, StrategyFunc(configurationStrategy))
	r.Register(ClassSystem, StrategyFunc(systemStrategy))
}

// apiStrategy retries rate limits and timeouts; authentication failures need
// a human.
func apiStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	switch {
	case containsAny(ec.Message, authPhrases):
		return "", Decline("authentication failure requires manual intervention")
	case containsAny(ec.Message, rateLimitPhrases):
		return OutcomeRetry, nil
	default:
		return "", nil
	}
}

func infrastructureToolStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	switch {
	case strings.Contains(strings.ToLower(ec.Message), "already exists"):
		return "", Decline("resource already exists")
	case containsAny(ec.Message, lockPhrases):
		return OutcomeRetry, nil
	case containsAny(ec.Message, missingStatePhrases):
		return OutcomeReinitialize, nil
	default:
		return "", nil
	}
}

// resourceStrategy absorbs short-lived races between concurrent operations.
func resourceStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	if ec.RetryCount < 3 {
		return OutcomeRetry, nil
	}
	return "", nil
}

func permissionStrategy(logger zerolog.Logger) Strategy {
	return StrategyFunc(func(_ context.Context, ec *ErrorContext) (Outcome, error) {
		logger.Warn().
			Str("classification", string(ec.Classification)).
			Str("message", ec.Message).
			Msg("Retrying after permission failure; credentials may need attention")
		return OutcomeRetry, nil
	})
}

func networkStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	if ec.RetryCount < 5 {
		return OutcomeRetry, nil
	}
	return "", nil
}

func validationStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	if ec.RetryCount < 1 && containsAny(ec.Message, formatPhrases) {
		return OutcomeRetry, nil
	}
	return "", Decline("input is not valid")
}

func configurationStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	if ec.AdvisorySolution.HasSteps() {
		return OutcomeAIGuided, nil
	}
	return "", Decline("configuration must be corrected")
}

// systemStrategy handles everything without a dedicated strategy.
func systemStrategy(_ context.Context, ec *ErrorContext) (Outcome, error) {
	switch {
	case containsAny(ec.Message, testFaultPhrases):
		return OutcomeIgnoredTestError, nil
	case ec.AdvisorySolution.HasSteps():
		return OutcomeAIGuided, nil
	case ec.RetryCount == 0:
		return OutcomeRetry, nil
	default:
		return "", Decline("generic retry already used")
	}
}
