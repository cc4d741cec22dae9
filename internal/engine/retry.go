package engine

import (
	"errors"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"
)

// failureClass is the two-way error taxonomy every spawn/runtime
// failure is classified into.
type failureClass int

const (
	classGeneric failureClass = iota
	classRateLimit
)

// classifyFailure returns classRateLimit iff the error text contains
// (case-insensitive) "429", "too many requests", or "rate limit".
// Classifies on the aggregated error text it receives, independent of
// the Spawner's own internal buffering.
func classifyFailure(errText string) failureClass {
	lower := strings.ToLower(errText)
	if strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") {
		return classRateLimit
	}
	return classGeneric
}

// retryAfterPattern matches a "Retry-After: <seconds>" hint in stderr.
// Only a plain integer-seconds form is recognized; anything else
// (milliseconds, an HTTP-date) is left unparsed rather than guessed at.
var retryAfterPattern = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)

// parseRetryAfterSeconds extracts the Retry-After hint, if present.
func parseRetryAfterSeconds(errText string) (seconds int64, ok bool) {
	m := retryAfterPattern.FindStringSubmatch(errText)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// wrapNonRetryable marks errText as permanent once the retry budget is
// exhausted, using backoff/v5's own convention for "do not retry
// further" rather than inventing a parallel one.
func wrapNonRetryable(err error) error {
	return backoff.Permanent(err)
}

// isPermanent reports whether err was wrapped by wrapNonRetryable.
func isPermanent(err error) bool {
	var permErr *backoff.PermanentError
	return errors.As(err, &permErr)
}

// computeBackoff computes full-jitter exponential backoff:
// min(max, base * 2^retryCount * (0.5 + rand()/2)), then overridden by
// any Retry-After hint found in errText (dominates when larger). randFn
// defaults to math/rand's global source but is injectable for
// deterministic tests.
func computeBackoff(baseMs, maxMs int64, retryCount int, errText string, randFn func() float64) int64 {
	if randFn == nil {
		randFn = rand.Float64
	}
	pow := math.Pow(2, float64(retryCount))
	jitter := 0.5 + randFn()/2
	backoff := int64(float64(baseMs) * pow * jitter)
	if backoff > maxMs {
		backoff = maxMs
	}
	if seconds, ok := parseRetryAfterSeconds(errText); ok {
		if fromHeader := seconds * 1000; fromHeader > backoff {
			backoff = fromHeader
		}
	}
	return backoff
}
