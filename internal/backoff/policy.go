// Package backoff provides exponential backoff with jitter for reconnects
// and recovery retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// base = initialMs * factor^(attempt-1); jitter = base * jitter * random().
// Returns min(maxMs, base + jitter). Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates backoff using a provided random value in
// [0.0, 1.0). Used in tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the general-purpose policy.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// ReconnectPolicy returns the policy for the tool-host update stream:
// 5s, 10s, 20s, ... capped at 60s, no jitter, so reconnect cadence stays
// predictable for operators.
func ReconnectPolicy() Policy {
	return Policy{InitialMs: 5000, MaxMs: 60000, Factor: 2, Jitter: 0}
}

// ProbePolicy returns the policy for connectivity probe retries after a
// failed check. Initial: 500ms, Max: 5s, Factor: 1.5, Jitter: 5%.
func ProbePolicy() Policy {
	return Policy{InitialMs: 500, MaxMs: 5000, Factor: 1.5, Jitter: 0.05}
}
