package resilience

import (
	"math"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
)

// Policy defines retry behavior for one failure kind.
type Policy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Policies maps failure kinds to retry policies.
type Policies map[Kind]Policy

// noRetry is used for kinds that must not be retried inline.
var noRetry = Policy{MaxAttempts: 1}

// DefaultPolicies returns the default policy families.
func DefaultPolicies() Policies {
	return Policies{
		apierror.KindRateLimited: {
			MaxAttempts:       5,
			InitialDelay:      60 * time.Second,
			MaxDelay:          300 * time.Second,
			BackoffMultiplier: 2,
		},
		apierror.KindServerError: {
			MaxAttempts:       3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
		},
		apierror.KindTimeout: {
			MaxAttempts:       3,
			InitialDelay:      2 * time.Second,
			MaxDelay:          15 * time.Second,
			BackoffMultiplier: 2,
		},
		apierror.KindDatabaseConnection: {
			MaxAttempts:       3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 1.5,
		},
		apierror.KindUnknown: {
			MaxAttempts:       3,
			InitialDelay:      2 * time.Second,
			MaxDelay:          20 * time.Second,
			BackoffMultiplier: 2,
		},
		apierror.KindValidationFailure: noRetry,
		apierror.KindAuthFailure:       noRetry,
		apierror.KindNotFound:          noRetry,
	}
}

// Merge returns a copy of p with overrides applied.
func (p Policies) Merge(overrides Policies) Policies {
	out := make(Policies, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		if v.MaxAttempts <= 0 {
			continue
		}
		out[k] = v
	}
	return out
}

// For returns the policy for kind, falling back to the Unknown policy.
func (p Policies) For(kind Kind) Policy {
	if pol, ok := p[kind]; ok {
		return pol
	}
	if pol, ok := p[apierror.KindUnknown]; ok {
		return pol
	}
	return noRetry
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with kind.
func (p Policies) ShouldRetry(kind Kind, attempt int) bool {
	if SeverityOf(kind, attempt) == SeverityCritical {
		return false
	}
	return attempt < p.For(kind).MaxAttempts
}

// NextDelay returns the backoff after attempt (1-based) failed:
// InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (p Policies) NextDelay(kind Kind, attempt int) time.Duration {
	pol := p.For(kind)
	if attempt < 1 {
		attempt = 1
	}
	mult := pol.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(pol.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if pol.MaxDelay > 0 && delay > float64(pol.MaxDelay) {
		delay = float64(pol.MaxDelay)
	}
	return time.Duration(delay)
}
