// Package audit defines the event model for the compliance audit trail.
//
// Events are emitted from domain logic, sanitized and enriched by the
// pipeline, and fanned out to destinations selected by severity. The
// pipeline is not a persistent store: destinations own durability.
package audit

import (
	"context"
	"time"

	dErrors "medgate/pkg/domain-errors"
)

// Severity is the ordinal classification used to route events to
// destinations: info < warning < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid severity %q", s)
	}
	return sev, nil
}

// IsValid reports whether the severity is one of the supported values.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks at or above min. Unknown severities rank
// lowest so a corrupt value never reaches a restricted destination.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min] && s.IsValid()
}

// Metadata correlates an event with the request that produced it.
type Metadata struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Event is a single audit record. Once the pipeline accepts it the event is
// immutable; destinations only ever see the sanitized copy of Details.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"event_name"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// Well-known event names emitted by this module. Collaborators (auth flow,
// upload flow, admin actions) define their own.
const (
	EventRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	EventRateLimitReset        = "RATE_LIMIT_RESET"
	EventRateLimitPolicyChange = "RATE_LIMIT_POLICY_UPDATED"
	EventDestinationChange     = "AUDIT_DESTINATION_UPDATED"
)

// Destination is a named sink for sanitized audit events. Implementations
// must be safe for concurrent writes: the drain worker dispatches each write
// on its own goroutine so one slow sink cannot stall the rest.
type Destination interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// DestinationConfig controls whether and at which severities a destination
// receives events. A destination receives an event iff it is enabled and
// event.Severity >= MinSeverity.
type DestinationConfig struct {
	Enabled     bool     `json:"enabled"`
	MinSeverity Severity `json:"min_severity"`
}

// Validate rejects malformed destination updates so the previous
// configuration stays in effect.
func (c DestinationConfig) Validate() error {
	if !c.MinSeverity.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid min severity %q", c.MinSeverity)
	}
	return nil
}

// Logger is the narrow interface collaborators use to emit events. The
// pipeline implements it; tests substitute recorders.
type Logger interface {
	Log(ctx context.Context, event Event)
}
