// Package retrypolicy implements the per-step failure policy and the
// exponential-backoff-with-jitter retry harness (spec §4.5). Grounded on
// the teacher's pkg/kernel/retry (ComputeBackoff/GenerateRetryPlan), with
// the deterministic hash-based jitter replaced by real random jitter —
// spec §4.5 calls for "uniform random jitter", not a reproducible PRF,
// since retries here race live external verifiers rather than replaying a
// deterministic event log.
package retrypolicy

import (
	"math"
	"time"
)

// Policy is the per-step failure policy (spec §4.5).
type Policy string

const (
	PolicyFailFast   Policy = "fail_fast"
	PolicySoftFail   Policy = "soft_fail"
	PolicyBestEffort Policy = "best_effort"
	PolicyAlwaysRun  Policy = "always_run"
)

// Config is the per-step retry configuration (spec §4.5).
type Config struct {
	MaxRetries           int
	InitialDelayMs        int64
	BackoffMultiplier     float64
	MaxDelayMs            int64
	TotalBudgetMs         int64 // 0 = unbounded
	RetryableStatusCodes  []int
	RetryableErrorTypes   []string
	JitterFactor          float64 // 0..1, default 0.1
	IsRetryable           func(err error) bool `json:"-"`
}

// DefaultJitterFactor matches spec §4.5's default.
const DefaultJitterFactor = 0.1

// DefaultRetryableStatusCodes is the spec §4.5 default set.
var DefaultRetryableStatusCodes = []int{408, 429, 500, 502, 503, 504}

// DefaultRetryableErrorTypes is the spec §4.5 default set.
var DefaultRetryableErrorTypes = []string{
	"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "ENOTFOUND", "EAI_AGAIN",
	"NETWORK_ERROR", "TIMEOUT", "SERVICE_UNAVAILABLE",
}

// WithDefaults fills zero-valued fields with spec defaults and returns the
// result; the receiver is not mutated.
func (c Config) WithDefaults() Config {
	out := c
	if out.JitterFactor == 0 {
		out.JitterFactor = DefaultJitterFactor
	}
	if len(out.RetryableStatusCodes) == 0 {
		out.RetryableStatusCodes = DefaultRetryableStatusCodes
	}
	if len(out.RetryableErrorTypes) == 0 {
		out.RetryableErrorTypes = DefaultRetryableErrorTypes
	}
	if out.BackoffMultiplier == 0 {
		out.BackoffMultiplier = 2
	}
	return out
}

// Delay computes the base (pre-jitter) delay for attempt n (0-indexed,
// counted after the first try), per spec §4.5:
// min(initialDelayMs * backoffMultiplier^n, maxDelayMs). Delay(0) is thus
// initialDelayMs itself, not zero — n indexes retries, not tries.
func (c Config) Delay(n int) time.Duration {
	if n < 0 {
		return 0
	}
	delay := float64(c.InitialDelayMs) * math.Pow(c.BackoffMultiplier, float64(n))
	if c.MaxDelayMs > 0 && delay > float64(c.MaxDelayMs) {
		delay = float64(c.MaxDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}
