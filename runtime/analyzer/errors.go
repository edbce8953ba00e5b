package analyzer

import (
	"fmt"
	"time"
)

// Quota scopes.
const (
	// ScopeSession reports an exhausted per-session analysis quota.
	ScopeSession = "session"
	// ScopeRate reports a request rejected by a rate limiter.
	ScopeRate = "rate"
)

// QuotaExceededError reports a request rejected because the session quota or
// a request rate limit is exhausted. It is never returned for invalid input.
type QuotaExceededError struct {
	// Scope is ScopeSession or ScopeRate.
	Scope string
	// SessionID identifies the caller session when known.
	SessionID string
	// Used is the number of analyses already charged to the session.
	Used int
	// Limit is the session quota or the rate limiter burst.
	Limit int
	// RetryAfter is the delay after which a rate-limited request may be
	// retried. It is zero for session quotas, which never replenish.
	RetryAfter time.Duration
}

// Error implements error.
func (e *QuotaExceededError) Error() string {
	if e.Scope == ScopeRate {
		if e.RetryAfter > 0 {
			return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
		}
		return "rate limit exceeded"
	}
	return fmt.Sprintf("session quota exceeded: %d of %d analyses used", e.Used, e.Limit)
}
