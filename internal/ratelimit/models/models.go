package models

import (
	"time"

	dErrors "medgate/pkg/domain-errors"
)

// DefaultPattern is the pattern of the policy applied when no configured
// path prefix matches the request path.
const DefaultPattern = "default"

// Policy is the immutable per-pattern rate limit configuration.
type Policy struct {
	// Window is the sliding window length.
	Window time.Duration `json:"window"`
	// MaxRequests is the number of admissions allowed per window.
	MaxRequests int `json:"max_requests"`
	// SkipSuccessful returns the admission after a successful response so
	// only failed requests count against the limit (used for auth endpoints
	// where the limit targets credential-stuffing, not legitimate logins).
	SkipSuccessful bool `json:"skip_successful,omitempty"`
}

// Validate enforces policy invariants. Updates that fail validation must
// leave the previous policy in effect.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "policy window must be positive")
	}
	if p.MaxRequests <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "policy max_requests must be positive")
	}
	return nil
}

// ValidatePattern checks a policy pattern: either the default sentinel or a
// path prefix starting with "/".
func ValidatePattern(pattern string) error {
	if pattern == DefaultPattern {
		return nil
	}
	if pattern == "" || pattern[0] != '/' {
		return dErrors.New(dErrors.CodeInvalidInput, "policy pattern must be \"default\" or start with \"/\"")
	}
	return nil
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is in seconds and only set when not allowed.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Info is the non-mutating view of a key's current usage.
type Info struct {
	Pattern   string    `json:"pattern"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// StoreStats are best-effort counters for operational dashboards. Never used
// for correctness decisions.
type StoreStats struct {
	Buckets    int       `json:"buckets"`
	OldestSeen time.Time `json:"oldest_seen,omitzero"`
}

// RateLimitExceededResponse is the 429 body returned to blocked callers.
type RateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// UpdatePolicyRequest is the admin payload for replacing a pattern's policy.
// The pattern travels in the body because path prefixes contain slashes.
type UpdatePolicyRequest struct {
	Pattern        string `json:"pattern"`
	WindowMs       int64  `json:"window_ms"`
	MaxRequests    int    `json:"max_requests"`
	SkipSuccessful bool   `json:"skip_successful"`
}

// Policy converts the wire representation to the internal one.
func (r UpdatePolicyRequest) Policy() Policy {
	return Policy{
		Window:         time.Duration(r.WindowMs) * time.Millisecond,
		MaxRequests:    r.MaxRequests,
		SkipSuccessful: r.SkipSuccessful,
	}
}

// ResetLimitRequest is the admin payload for clearing one identity's bucket.
type ResetLimitRequest struct {
	Identity string `json:"identity"`
	Path     string `json:"path"`
}
