// Package pipeline accepts audit events, sanitizes and enriches them, and
// fans them out asynchronously to severity-routed destinations.
//
// Producers call Log concurrently; a single drain worker dispatches queued
// events in program order. Critical events bypass the queue: they are
// written synchronously to all matching destinations and raise an alert
// before Log returns.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	dErrors "medgate/pkg/domain-errors"
	audit "medgate/pkg/platform/audit"
	"medgate/pkg/requestcontext"
)

// defaultMedicalPrefixes mark event names that carry PHI context and get
// compliance classification injected into their details.
var defaultMedicalPrefixes = []string{
	"PHI_",
	"MEDICAL_",
	"PATIENT_",
	"PRESCRIPTION_",
}

const defaultWriteTimeout = 5 * time.Second

type registeredDestination struct {
	dest audit.Destination

	mu  sync.RWMutex
	cfg audit.DestinationConfig

	delivered atomic.Int64
	failed    atomic.Int64
}

func (d *registeredDestination) config() audit.DestinationConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Pipeline is the audit log pipeline. The zero value is not usable; call New.
type Pipeline struct {
	logger  *slog.Logger
	alerter Alerter
	metrics *Metrics

	writeTimeout    time.Duration
	medicalPrefixes []string

	mu    sync.Mutex
	queue []audit.Event

	// draining flips on the idle->draining edge exactly once; the drain
	// worker clears it under mu while the queue is observably empty, so
	// concurrent producers can never start a second loop nor strand events.
	draining atomic.Bool
	closed   atomic.Bool
	// pending counts in-flight destination writes, for Flush and Stats.
	pending atomic.Int64

	destMu sync.RWMutex
	dests  map[string]*registeredDestination
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) { p.alerter = a }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithWriteTimeout bounds each destination write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithMedicalEventPrefixes overrides the PHI-sensitive event name prefixes.
func WithMedicalEventPrefixes(prefixes []string) Option {
	return func(p *Pipeline) { p.medicalPrefixes = prefixes }
}

// New creates a pipeline with no destinations registered.
func New(logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:          logger,
		writeTimeout:    defaultWriteTimeout,
		medicalPrefixes: defaultMedicalPrefixes,
		dests:           make(map[string]*registeredDestination),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.alerter == nil {
		p.alerter = NewLogAlerter(logger)
	}
	return p
}

// Register adds a destination. Duplicate names are rejected.
func (p *Pipeline) Register(dest audit.Destination, cfg audit.DestinationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.destMu.Lock()
	defer p.destMu.Unlock()

	name := dest.Name()
	if _, exists := p.dests[name]; exists {
		return dErrors.Newf(dErrors.CodeInvalidInput, "destination %q already registered", name)
	}
	p.dests[name] = &registeredDestination{dest: dest, cfg: cfg}
	return nil
}

// UpdateDestination replaces a destination's routing configuration.
// Rejected updates leave the previous configuration in effect.
func (p *Pipeline) UpdateDestination(name string, cfg audit.DestinationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.destMu.RLock()
	d, ok := p.dests[name]
	p.destMu.RUnlock()
	if !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "unknown destination %q", name)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// Log accepts an event. It never returns an error and never panics outward:
// auditing must not be able to fail the operation it records. For
// non-critical events Log returns once the event is queued; critical events
// are dispatched synchronously and alerted before returning.
func (p *Pipeline) Log(ctx context.Context, event audit.Event) {
	if p.closed.Load() {
		p.metrics.incDropped()
		p.logger.WarnContext(ctx, "audit pipeline closed, event discarded", "event", event.Name)
		return
	}

	event = p.enrich(ctx, event)
	p.metrics.incIngested()

	if event.Severity == audit.SeverityCritical {
		// Fast path: destinations see the event even if the drain worker is
		// stalled, and the alerter pages regardless of log routing.
		p.dispatchSync(event)
		p.metrics.incAlerts()
		p.alert(ctx, event)
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, event)
	depth := len(p.queue)
	p.mu.Unlock()
	p.metrics.setQueueDepth(depth)

	p.kick()
}

// enrich assigns identity, timing, correlation, and compliance
// classification, and swaps Details for the sanitized copy.
func (p *Pipeline) enrich(ctx context.Context, event audit.Event) audit.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if !event.Severity.IsValid() {
		event.Severity = audit.SeverityInfo
	}
	if event.Metadata.RequestID == "" {
		if rid := requestcontext.RequestID(ctx); rid != "" {
			event.Metadata.RequestID = rid
		} else {
			event.Metadata.RequestID = uuid.NewString()
		}
	}
	if event.Metadata.SessionID == "" {
		event.Metadata.SessionID = requestcontext.SessionID(ctx)
	}
	if event.Metadata.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.Metadata.TraceID = sc.TraceID().String()
		}
	}

	details := audit.SanitizeDetails(event.Details)
	if p.isMedicalEvent(event.Name) {
		if details == nil {
			details = make(map[string]any, 3)
		}
		details["hipaaCompliant"] = true
		details["auditTrail"] = true
		details["dataClassification"] = "medical"
	}
	event.Details = details

	return event
}

func (p *Pipeline) isMedicalEvent(name string) bool {
	for _, prefix := range p.medicalPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// kick starts the drain worker if it is idle. The CAS guarantees at most one
// loop per idle->draining edge.
func (p *Pipeline) kick() {
	if p.draining.CompareAndSwap(false, true) {
		go p.drain()
	}
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			// Clearing the flag under mu means any producer that appends
			// afterwards sees draining=false and starts a fresh loop.
			p.draining.Store(false)
			p.mu.Unlock()
			return
		}
		event := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()
		p.metrics.setQueueDepth(depth)

		p.dispatchAsync(event)
	}
}

// dispatchAsync fires one goroutine per matching destination so a slow or
// broken sink cannot block delivery to the others or to the next event.
func (p *Pipeline) dispatchAsync(event audit.Event) {
	for _, d := range p.matchingDestinations(event.Severity) {
		p.pending.Add(1)
		go func(d *registeredDestination) {
			defer p.pending.Add(-1)
			p.writeTo(d, event)
		}(d)
	}
}

// dispatchSync writes to all matching destinations and waits for each write
// (or its timeout) to finish.
func (p *Pipeline) dispatchSync(event audit.Event) {
	var wg sync.WaitGroup
	for _, d := range p.matchingDestinations(event.Severity) {
		wg.Add(1)
		p.pending.Add(1)
		go func(d *registeredDestination) {
			defer wg.Done()
			defer p.pending.Add(-1)
			p.writeTo(d, event)
		}(d)
	}
	wg.Wait()
}

func (p *Pipeline) matchingDestinations(sev audit.Severity) []*registeredDestination {
	p.destMu.RLock()
	defer p.destMu.RUnlock()

	matched := make([]*registeredDestination, 0, len(p.dests))
	for _, d := range p.dests {
		cfg := d.config()
		if cfg.Enabled && sev.AtLeast(cfg.MinSeverity) {
			matched = append(matched, d)
		}
	}
	return matched
}

// writeTo performs one destination write. Failures (including panics in a
// destination) surface only on the fallback log channel and the counters.
func (p *Pipeline) writeTo(d *registeredDestination, event audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			p.metrics.recordDispatch(d.dest.Name(), false)
			p.logger.Error("audit destination panicked",
				"destination", d.dest.Name(), "event", event.Name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	if err := d.dest.Write(ctx, event); err != nil {
		d.failed.Add(1)
		p.metrics.recordDispatch(d.dest.Name(), false)
		p.logger.Error("audit destination write failed",
			"destination", d.dest.Name(), "event", event.Name, "error", err)
		return
	}
	d.delivered.Add(1)
	p.metrics.recordDispatch(d.dest.Name(), true)
}

func (p *Pipeline) alert(ctx context.Context, event audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "alerter panicked", "event", event.Name, "panic", r)
		}
	}()
	p.alerter.Alert(ctx, event)
}

// Stats is the operational snapshot for dashboards. Best-effort; never used
// for correctness decisions.
type Stats struct {
	QueueDepth   int                         `json:"queue_depth"`
	Draining     bool                        `json:"draining"`
	Destinations map[string]DestinationStats `json:"destinations"`
}

type DestinationStats struct {
	Enabled     bool           `json:"enabled"`
	MinSeverity audit.Severity `json:"min_severity"`
	Delivered   int64          `json:"delivered"`
	Failed      int64          `json:"failed"`
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	depth := len(p.queue)
	p.mu.Unlock()

	p.destMu.RLock()
	defer p.destMu.RUnlock()

	stats := Stats{
		QueueDepth:   depth,
		Draining:     p.draining.Load(),
		Destinations: make(map[string]DestinationStats, len(p.dests)),
	}
	for name, d := range p.dests {
		cfg := d.config()
		stats.Destinations[name] = DestinationStats{
			Enabled:     cfg.Enabled,
			MinSeverity: cfg.MinSeverity,
			Delivered:   d.delivered.Load(),
			Failed:      d.failed.Load(),
		}
	}
	return stats
}

// Flush blocks until the queue is empty and all in-flight destination
// writes have finished, or ctx expires.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		depth := len(p.queue)
		p.mu.Unlock()

		if depth == 0 && !p.draining.Load() && p.pending.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting events and drains what is queued, bounded by ctx.
// Events still queued when ctx expires are discarded and counted.
// Idempotent.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.kick()
	if err := p.Flush(ctx); err != nil {
		p.mu.Lock()
		discarded := len(p.queue)
		p.queue = nil
		p.mu.Unlock()

		if discarded > 0 {
			for range discarded {
				p.metrics.incDropped()
			}
			p.logger.Warn("audit pipeline closed before draining", "discarded", discarded)
		}
		return err
	}
	return nil
}
