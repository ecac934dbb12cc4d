package dispatch

import (
	"strings"
	"time"

	"github.com/storyforge/storyforge/internal/common/config"
)

// Policy is the resolved retry/backoff configuration for one operation.
type Policy struct {
	MaxAttempts          int
	RetryDelayBase       time.Duration
	RetryDelayMax        time.Duration
	ExponentialBackoff   bool
	RetryOnFailureResult bool
	RetryOnException     bool
}

// BackoffDelay returns the sleep before the next attempt, given the
// 1-based attempt number that just failed. Exponential policies double the
// base per attempt; linear policies always sleep the base. The delay is
// capped at RetryDelayMax when set.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	delay := p.RetryDelayBase
	if p.ExponentialBackoff {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if p.RetryDelayMax > 0 && delay >= p.RetryDelayMax {
				return p.RetryDelayMax
			}
		}
	}
	if p.RetryDelayMax > 0 && delay > p.RetryDelayMax {
		return p.RetryDelayMax
	}
	return delay
}

func policyFromConfig(pc config.PolicyConfig) Policy {
	return Policy{
		MaxAttempts:          pc.MaxAttempts,
		RetryDelayBase:       pc.RetryDelayBase(),
		RetryDelayMax:        pc.RetryDelayMax(),
		ExponentialBackoff:   pc.ExponentialBackoff,
		RetryOnFailureResult: pc.RetryOnFailureResult,
		RetryOnException:     pc.RetryOnException,
	}
}

// PolicyResolver resolves the retry policy for an operation from layered
// configuration: an explicit override keyed by operation name, then by the
// command's "operation" metadata, then the default. The resolver reads a
// fresh configuration snapshot on every lookup, so hot-reloaded settings
// take effect on the next resolution.
type PolicyResolver struct {
	snapshot func() *config.Config
}

// NewPolicyResolver creates a resolver over a configuration snapshot
// provider. The provider must be safe for concurrent use.
func NewPolicyResolver(snapshot func() *config.Config) *PolicyResolver {
	return &PolicyResolver{snapshot: snapshot}
}

// Resolve returns the policy for (operationName, metadata["operation"]).
// Unknown keys fall through to the default policy. Lookups are
// case-insensitive because viper lowercases map keys from config files.
func (r *PolicyResolver) Resolve(operationName, metadataOperation string) Policy {
	cfg := r.snapshot()
	policies := cfg.CommandPolicies

	if pc, ok := lookupPolicy(policies.Commands, operationName); ok {
		return policyFromConfig(pc)
	}
	if pc, ok := lookupPolicy(policies.Commands, metadataOperation); ok {
		return policyFromConfig(pc)
	}
	return policyFromConfig(policies.Default)
}

func lookupPolicy(commands map[string]config.PolicyConfig, name string) (config.PolicyConfig, bool) {
	if name == "" || len(commands) == 0 {
		return config.PolicyConfig{}, false
	}
	if pc, ok := commands[name]; ok {
		return pc, true
	}
	lower := strings.ToLower(name)
	for key, pc := range commands {
		if strings.ToLower(key) == lower {
			return pc, true
		}
	}
	return config.PolicyConfig{}, false
}
