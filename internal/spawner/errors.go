package spawner

import (
	"errors"
	"strings"
)

// Sentinel errors returned by Spawn and Kill, typed so callers can detect them
// with errors.As/errors.Is to drive retry decisions.
var (
	ErrInvalidPrompt  = errors.New("spawner: bootstrap prompt could not be built")
	ErrAPIKeyNotFound = errors.New("spawner: no API key found in environment or auth file")
	ErrCommandNotFound = errors.New("spawner: no codex-compatible command found on PATH")
	ErrAgentNotFound  = errors.New("spawner: no active agent with that id")
)

// RateLimitError indicates the spawned agent process reported a rate
// limit condition, via stderr text matching or a JSON error event.
type RateLimitError struct {
	SpecName    string
	RetryAfter  int64 // milliseconds; 0 if the agent did not report one
	RawResponse string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "spawner: rate limit signaled for spec " + e.SpecName
	}
	return "spawner: rate limit signaled for spec " + e.SpecName
}

// isRateLimitError checks free-text output for the same substrings the
// teacher's perception.isRateLimitError looks for.
func isRateLimitError(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}
