// Package retrier supervises automatic recovery from transient provider
// errors: it classifies error-terminated assistant messages, sleeps with
// exponential backoff, and re-drives the turn engine.
package retrier

import (
	"regexp"
	"strings"
)

var httpStatusRe = regexp.MustCompile(`\b(429|5\d{2})\b`)

// IsTransient reports whether a provider error message indicates a
// transient failure worth retrying: overload, rate limiting, 429/5xx, or
// connection trouble. Context overflow is never transient; it is routed to
// the compactor instead.
func IsTransient(errMsg string) bool {
	if errMsg == "" || IsContextOverflow(errMsg) {
		return false
	}
	s := strings.ToLower(errMsg)

	if strings.Contains(s, "overloaded") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "too many requests") {
		return true
	}
	if strings.Contains(s, "connection") ||
		strings.Contains(s, "network") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "timed out") ||
		strings.Contains(s, "unreachable") ||
		strings.Contains(s, "refused") ||
		strings.Contains(s, "reset by peer") ||
		strings.Contains(s, "unexpected eof") {
		return true
	}
	if strings.Contains(s, "internal server error") ||
		strings.Contains(s, "service unavailable") ||
		strings.Contains(s, "bad gateway") {
		return true
	}
	return httpStatusRe.MatchString(s)
}

// IsContextOverflow reports whether a provider error message indicates the
// request exceeded the model's context window.
func IsContextOverflow(errMsg string) bool {
	s := strings.ToLower(errMsg)
	return strings.Contains(s, "context length") ||
		strings.Contains(s, "context window") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "prompt is too long") ||
		strings.Contains(s, "too many tokens") ||
		strings.Contains(s, "input is too long") ||
		strings.Contains(s, "exceeds the maximum number of tokens")
}
