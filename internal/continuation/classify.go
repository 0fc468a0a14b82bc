// Package continuation implements the Continuation Controller of §4.4: the
// five layers that keep an agent making forward progress on its active
// task, plus the shared failure-classification/backoff scheme every layer
// falls back to after an unsuccessful continuation attempt. The
// substring-based classifier is grounded directly on the teacher's
// engine.ClassifyError (internal/engine/errors.go), repointed from
// LLM-provider failover categories onto this package's continuation
// failure-reason table.
package continuation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureReason is the classification of a failed continuation attempt.
type FailureReason string

const (
	ReasonRateLimit       FailureReason = "rate_limit"
	ReasonBilling         FailureReason = "billing"
	ReasonTimeout         FailureReason = "timeout"
	ReasonContextOverflow FailureReason = "context_overflow"
	ReasonUnknown         FailureReason = "unknown"
)

// baseDelay is the backoff base duration per reason, before any
// suggested-override is applied.
var baseDelay = map[FailureReason]time.Duration{
	ReasonRateLimit:       60 * time.Second,
	ReasonBilling:         3600 * time.Second,
	ReasonTimeout:         60 * time.Second,
	ReasonContextOverflow: 1800 * time.Second,
	ReasonUnknown:         300 * time.Second,
}

var resetAfterRe = regexp.MustCompile(`reset after (\d+)s`)

const minRateLimitOverride = 10 * time.Second
const maxBackoff = 2 * time.Hour

// Classify inspects a failure message and returns its FailureReason and
// the base delay to apply at attempt 0, honoring the rate-limit
// "reset after Ns" override (clamped to >= 10s).
func Classify(errMsg string) (FailureReason, time.Duration) {
	msg := strings.ToLower(errMsg)

	switch {
	case containsAny(msg, "429", "rate limit", "too many requests"):
		base := baseDelay[ReasonRateLimit]
		if m := resetAfterRe.FindStringSubmatch(msg); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				base = time.Duration(n) * time.Second
				if base < minRateLimitOverride {
					base = minRateLimitOverride
				}
			}
		}
		return ReasonRateLimit, base
	case containsAny(msg, "billing", "insufficient credits"):
		return ReasonBilling, baseDelay[ReasonBilling]
	case containsAny(msg, "timeout", "timed out"):
		return ReasonTimeout, baseDelay[ReasonTimeout]
	case containsAny(msg, "context length exceeded", "context overflow"):
		return ReasonContextOverflow, baseDelay[ReasonContextOverflow]
	default:
		return ReasonUnknown, baseDelay[ReasonUnknown]
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// BackoffForAttempt returns the delay for attempt n (0-indexed): base at
// n=0, doubling thereafter, capped at 2h.
func BackoffForAttempt(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
