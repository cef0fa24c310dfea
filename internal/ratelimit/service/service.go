// Package service implements the rate limiter: policy resolution by
// longest path prefix, sliding-window admission through a bucket store,
// and the administrative surface (policy updates, resets, usage info).
package service

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"medgate/internal/ratelimit/metrics"
	"medgate/internal/ratelimit/models"
	dErrors "medgate/pkg/domain-errors"
	audit "medgate/pkg/platform/audit"
	"medgate/pkg/requestcontext"
)

// BucketStore holds per-key sliding windows. Allow is atomic per key:
// concurrent checks for the same key never admit more than the limit.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
	Peek(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
	Forget(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
	Sweep(ctx context.Context, cutoff time.Time) int
	Stats(ctx context.Context) models.StoreStats
}

// DefaultPolicies is the startup policy table. Patterns are path prefixes;
// "default" applies when nothing matches.
func DefaultPolicies() map[string]models.Policy {
	return map[string]models.Policy{
		models.DefaultPattern: {Window: time.Minute, MaxRequests: 100},
		"/api/auth":           {Window: time.Minute, MaxRequests: 5, SkipSuccessful: true},
		"/api/search":         {Window: time.Minute, MaxRequests: 30},
		"/api/upload":         {Window: time.Hour, MaxRequests: 20},
	}
}

// Service is the rate limiter. Safe for concurrent use.
type Service struct {
	store   BucketStore
	logger  *slog.Logger
	auditor audit.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	policies map[string]models.Policy
	// maxWindow is the largest configured window, maintained under mu; the
	// janitor's staleness cutoff derives from it.
	maxWindow time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithAuditLogger wires the audit pipeline for blocked/reset/update events.
func WithAuditLogger(a audit.Logger) Option {
	return func(s *Service) { s.auditor = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPolicies replaces the default policy table at construction.
func WithPolicies(policies map[string]models.Policy) Option {
	return func(s *Service) { s.policies = maps.Clone(policies) }
}

// New creates a rate limiter service over the given store.
func New(store BucketStore, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		store:    store,
		logger:   logger,
		policies: DefaultPolicies(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, ok := s.policies[models.DefaultPattern]; !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "policy table must include the default policy")
	}
	for pattern, policy := range s.policies {
		if err := models.ValidatePattern(pattern); err != nil {
			return nil, err
		}
		if err := policy.Validate(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "policy for "+pattern)
		}
	}
	s.maxWindow = s.computeMaxWindow()
	return s, nil
}

// resolve returns the longest configured prefix matching path, and its
// policy. Falls back to the default policy.
func (s *Service) resolve(path string) (string, models.Policy) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bestPattern := models.DefaultPattern
	bestLen := -1
	for pattern := range s.policies {
		if pattern == models.DefaultPattern {
			continue
		}
		if strings.HasPrefix(path, pattern) && len(pattern) > bestLen {
			bestPattern = pattern
			bestLen = len(pattern)
		}
	}
	return bestPattern, s.policies[bestPattern]
}

// Check admits or blocks one request for identity on path. Blocked is a
// normal outcome, not an error; errors are internal store faults the caller
// should fail open on.
func (s *Service) Check(ctx context.Context, identity, path string) (*models.Result, error) {
	pattern, policy := s.resolve(path)
	key := models.BucketKey(identity, pattern)

	result, err := s.store.Allow(ctx, key, policy.MaxRequests, policy.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit check")
	}
	s.metrics.RecordCheck(result.Allowed, pattern)

	if !result.Allowed {
		s.logger.WarnContext(ctx, "rate limit exceeded",
			"identity", identity, "pattern", pattern, "retry_after", result.RetryAfter)
		s.audit(ctx, audit.Event{
			Name:     audit.EventRateLimitExceeded,
			Severity: audit.SeverityWarning,
			Details: map[string]any{
				"identity":    identity,
				"path":        path,
				"pattern":     pattern,
				"limit":       result.Limit,
				"retry_after": result.RetryAfter,
			},
		})
	}
	return result, nil
}

// RecordOutcome reports the response status for an admitted request. When
// the matched policy has SkipSuccessful and the request succeeded, the
// admission is returned to the bucket so only failures count.
func (s *Service) RecordOutcome(ctx context.Context, identity, path string, statusCode int) error {
	pattern, policy := s.resolve(path)
	if !policy.SkipSuccessful || statusCode >= 400 {
		return nil
	}
	if err := s.store.Forget(ctx, models.BucketKey(identity, pattern)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "forget admission")
	}
	return nil
}

// Info reports current usage for identity on path without consuming quota.
func (s *Service) Info(ctx context.Context, identity, path string) (*models.Info, error) {
	pattern, policy := s.resolve(path)

	result, err := s.store.Peek(ctx, models.BucketKey(identity, pattern), policy.MaxRequests, policy.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit info")
	}
	return &models.Info{
		Pattern:   pattern,
		Limit:     result.Limit,
		Used:      result.Limit - result.Remaining,
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
	}, nil
}

// Reset deletes the bucket for identity on path, restoring full quota.
// Used by admins to clear a false positive.
func (s *Service) Reset(ctx context.Context, identity, path string) error {
	pattern, _ := s.resolve(path)
	if err := s.store.Reset(ctx, models.BucketKey(identity, pattern)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "rate limit reset")
	}
	if m := s.metrics; m != nil {
		m.ManualResets.Inc()
	}

	s.logger.InfoContext(ctx, "rate limit reset", "identity", identity, "pattern", pattern)
	s.audit(ctx, audit.Event{
		Name:     audit.EventRateLimitReset,
		Severity: audit.SeverityInfo,
		Details: map[string]any{
			"identity": identity,
			"pattern":  pattern,
			"admin":    requestcontext.UserID(ctx),
		},
	})
	return nil
}

// UpdatePolicy replaces the policy bound to pattern. All-or-nothing: a
// rejected update leaves the previous policy in effect.
func (s *Service) UpdatePolicy(ctx context.Context, pattern string, policy models.Policy) error {
	if err := models.ValidatePattern(pattern); err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.policies[pattern] = policy
	s.maxWindow = s.computeMaxWindow()
	s.mu.Unlock()

	if m := s.metrics; m != nil {
		m.PolicyUpdates.Inc()
	}
	s.logger.InfoContext(ctx, "rate limit policy updated",
		"pattern", pattern, "window", policy.Window, "max_requests", policy.MaxRequests)
	s.audit(ctx, audit.Event{
		Name:     audit.EventRateLimitPolicyChange,
		Severity: audit.SeverityInfo,
		Details: map[string]any{
			"pattern":         pattern,
			"window_ms":       policy.Window.Milliseconds(),
			"max_requests":    policy.MaxRequests,
			"skip_successful": policy.SkipSuccessful,
			"admin":           requestcontext.UserID(ctx),
		},
	})
	return nil
}

// Policies returns a snapshot of the current policy table.
func (s *Service) Policies() map[string]models.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.policies)
}

// Stats reports store-level counters plus the policy count.
type Stats struct {
	models.StoreStats
	Policies int `json:"policies"`
}

func (s *Service) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	policyCount := len(s.policies)
	s.mu.RUnlock()

	stats := Stats{StoreStats: s.store.Stats(ctx), Policies: policyCount}
	if m := s.metrics; m != nil {
		m.BucketsGauge.Set(float64(stats.Buckets))
	}
	return stats
}

// SweepOnce removes buckets idle beyond twice the largest configured window
// and returns how many were dropped. The janitor calls this on a ticker;
// tests call it directly.
func (s *Service) SweepOnce(ctx context.Context) int {
	s.mu.RLock()
	maxWindow := s.maxWindow
	s.mu.RUnlock()

	cutoff := requestcontext.Now(ctx).Add(-2 * maxWindow)
	swept := s.store.Sweep(ctx, cutoff)
	if swept > 0 {
		if m := s.metrics; m != nil {
			m.SweptTotal.Add(float64(swept))
		}
		s.logger.DebugContext(ctx, "swept stale rate limit buckets", "count", swept)
	}
	return swept
}

// computeMaxWindow must be called with mu held (or before publication).
func (s *Service) computeMaxWindow() time.Duration {
	var max time.Duration
	for _, p := range s.policies {
		if p.Window > max {
			max = p.Window
		}
	}
	return max
}

// audit emits best-effort: a nil auditor (tests, limiter-only deployments)
// is fine.
func (s *Service) audit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.Log(ctx, event)
}
