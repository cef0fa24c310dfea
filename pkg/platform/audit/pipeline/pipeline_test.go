package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "medgate/pkg/platform/audit"
	"medgate/pkg/requestcontext"
)

// recorderDest is a test double that records writes and can be told to fail,
// panic, or block.
type recorderDest struct {
	name     string
	failWith error
	panics   bool
	block    chan struct{}

	mu     sync.Mutex
	events []audit.Event
}

func newRecorder(name string) *recorderDest {
	return &recorderDest{name: name}
}

func (d *recorderDest) Name() string { return d.name }

func (d *recorderDest) Write(ctx context.Context, event audit.Event) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.panics {
		panic("destination exploded")
	}
	if d.failWith != nil {
		return d.failWith
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recorderDest) recorded() []audit.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audit.Event{}, d.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func flush(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
}

func TestLogDeliversToEnabledDestinations(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	p.Log(context.Background(), audit.Event{Name: "LOGIN_FAILED", Severity: audit.SeverityWarning})
	flush(t, p)

	events := dest.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "LOGIN_FAILED", events[0].Name)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[0].Metadata.RequestID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSeverityRouting(t *testing.T) {
	p := New(testLogger())
	low := newRecorder("low")
	high := newRecorder("high")
	disabled := newRecorder("disabled")
	require.NoError(t, p.Register(low, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))
	require.NoError(t, p.Register(high, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityHigh}))
	require.NoError(t, p.Register(disabled, audit.DestinationConfig{Enabled: false, MinSeverity: audit.SeverityInfo}))

	severities := []audit.Severity{
		audit.SeverityInfo, audit.SeverityWarning, audit.SeverityHigh, audit.SeverityCritical,
	}
	counts := map[audit.Severity]int{}
	rng := rand.New(rand.NewSource(42))
	for range 1000 {
		sev := severities[rng.Intn(len(severities))]
		counts[sev]++
		p.Log(context.Background(), audit.Event{Name: "MIXED", Severity: sev})
	}
	flush(t, p)

	assert.Len(t, low.recorded(), 1000, "info destination receives everything")

	wantHigh := counts[audit.SeverityHigh] + counts[audit.SeverityCritical]
	assert.Len(t, high.recorded(), wantHigh, "high destination receives only high and critical")
	for _, ev := range high.recorded() {
		assert.True(t, ev.Severity.AtLeast(audit.SeverityHigh))
	}

	assert.Empty(t, disabled.recorded(), "disabled destination receives nothing")
}

func TestDetailsAreSanitizedBeforeDispatch(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	original := map[string]any{
		"password": "x",
		"nested":   map[string]any{"apiKey": "y"},
		"note":     "ok",
	}
	p.Log(context.Background(), audit.Event{Name: "SETTINGS_CHANGED", Severity: audit.SeverityInfo, Details: original})
	flush(t, p)

	events := dest.recorded()
	require.Len(t, events, 1)
	got := events[0].Details
	assert.Equal(t, audit.RedactedValue, got["password"])
	assert.Equal(t, audit.RedactedValue, got["nested"].(map[string]any)["apiKey"])
	assert.Equal(t, "ok", got["note"])

	// The caller's map is untouched.
	assert.Equal(t, "x", original["password"])
}

func TestMedicalEventsGetComplianceClassification(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	p.Log(context.Background(), audit.Event{Name: "PHI_ACCESS", Severity: audit.SeverityHigh})
	p.Log(context.Background(), audit.Event{Name: "LOGIN_FAILED", Severity: audit.SeverityHigh})
	flush(t, p)

	events := dest.recorded()
	require.Len(t, events, 2)
	byName := map[string]audit.Event{}
	for _, ev := range events {
		byName[ev.Name] = ev
	}

	phi := byName["PHI_ACCESS"].Details
	assert.Equal(t, true, phi["hipaaCompliant"])
	assert.Equal(t, true, phi["auditTrail"])
	assert.Equal(t, "medical", phi["dataClassification"])

	assert.NotContains(t, byName["LOGIN_FAILED"].Details, "hipaaCompliant")
}

func TestCriticalFastPathBypassesStalledQueue(t *testing.T) {
	p := New(testLogger(), WithWriteTimeout(200*time.Millisecond))
	stall := make(chan struct{})
	slow := newRecorder("slow")
	slow.block = stall
	fast := newRecorder("fast")
	require.NoError(t, p.Register(slow, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))
	require.NoError(t, p.Register(fast, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityCritical}))

	// Queue events whose writes hang on the slow destination. They must not
	// delay critical delivery.
	for range 3 {
		p.Log(context.Background(), audit.Event{Name: "NOISE", Severity: audit.SeverityInfo})
	}

	// Critical dispatch is synchronous: the fast recorder has the event as
	// soon as Log returns, with the stall still in place.
	p.Log(context.Background(), audit.Event{Name: "BREACH_DETECTED", Severity: audit.SeverityCritical})

	var names []string
	for _, ev := range fast.recorded() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "BREACH_DETECTED")

	close(stall)
	flush(t, p)
}

func TestCriticalRaisesAlert(t *testing.T) {
	alerts := make(chan audit.Event, 1)
	p := New(testLogger(), WithAlerter(alerterFunc(func(_ context.Context, ev audit.Event) {
		alerts <- ev
	})))
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	p.Log(context.Background(), audit.Event{Name: "BREACH_DETECTED", Severity: audit.SeverityCritical})

	select {
	case ev := <-alerts:
		assert.Equal(t, "BREACH_DETECTED", ev.Name)
	default:
		t.Fatal("expected alert to be raised synchronously")
	}
}

type alerterFunc func(ctx context.Context, event audit.Event)

func (f alerterFunc) Alert(ctx context.Context, event audit.Event) { f(ctx, event) }

func TestLogNeverFailsTheCaller(t *testing.T) {
	p := New(testLogger(), WithWriteTimeout(50*time.Millisecond))
	failing := newRecorder("failing")
	failing.failWith = errors.New("disk full")
	panicking := newRecorder("panicking")
	panicking.panics = true
	require.NoError(t, p.Register(failing, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))
	require.NoError(t, p.Register(panicking, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	require.NotPanics(t, func() {
		for range 10 {
			p.Log(context.Background(), audit.Event{Name: "DOOMED", Severity: audit.SeverityInfo})
		}
		p.Log(context.Background(), audit.Event{Name: "DOOMED", Severity: audit.SeverityCritical})
	})
	flush(t, p)

	stats := p.Stats()
	assert.Equal(t, int64(11), stats.Destinations["failing"].Failed)
	assert.Equal(t, int64(0), stats.Destinations["failing"].Delivered)
}

func TestConcurrentProducersSingleDrainLoop(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	const producers = 20
	const perProducer = 50

	var wg sync.WaitGroup
	for i := range producers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range perProducer {
				p.Log(context.Background(), audit.Event{Name: "CONCURRENT", Severity: audit.SeverityInfo})
			}
		}(i)
	}
	wg.Wait()
	flush(t, p)

	events := dest.recorded()
	require.Len(t, events, producers*perProducer)

	// Exactly-once dispatch: no event ID is delivered twice.
	seen := map[string]bool{}
	for _, ev := range events {
		require.False(t, seen[ev.ID], "event %s delivered twice", ev.ID)
		seen[ev.ID] = true
	}
}

func TestEnrichmentFromContext(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithRequestID(context.Background(), "req-42")
	ctx = requestcontext.WithSessionID(ctx, "sess-7")
	ctx = requestcontext.WithTime(ctx, at)

	p.Log(ctx, audit.Event{Name: "ADMIN_ACTION", Severity: audit.SeverityInfo})
	flush(t, p)

	events := dest.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "req-42", events[0].Metadata.RequestID)
	assert.Equal(t, "sess-7", events[0].Metadata.SessionID)
	assert.Equal(t, at, events[0].Timestamp)
}

func TestUpdateDestination(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	t.Run("rejects invalid severity and keeps previous config", func(t *testing.T) {
		err := p.UpdateDestination("console", audit.DestinationConfig{Enabled: true, MinSeverity: "fatal"})
		require.Error(t, err)
		assert.Equal(t, audit.SeverityInfo, p.Stats().Destinations["console"].MinSeverity)
	})

	t.Run("rejects unknown destination", func(t *testing.T) {
		err := p.UpdateDestination("nope", audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo})
		require.Error(t, err)
	})

	t.Run("applies valid update", func(t *testing.T) {
		err := p.UpdateDestination("console", audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityHigh})
		require.NoError(t, err)

		p.Log(context.Background(), audit.Event{Name: "QUIET", Severity: audit.SeverityInfo})
		flush(t, p)
		assert.Empty(t, dest.recorded())
	})
}

func TestRegisterDuplicateRejected(t *testing.T) {
	p := New(testLogger())
	require.NoError(t, p.Register(newRecorder("console"), audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))
	err := p.Register(newRecorder("console"), audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo})
	require.Error(t, err)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityInfo}))

	for range 25 {
		p.Log(context.Background(), audit.Event{Name: "PENDING", Severity: audit.SeverityInfo})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	assert.Len(t, dest.recorded(), 25)

	// After Close, new events are discarded.
	p.Log(context.Background(), audit.Event{Name: "LATE", Severity: audit.SeverityInfo})
	assert.Len(t, dest.recorded(), 25)

	// Close is idempotent.
	require.NoError(t, p.Close(ctx))
}

func TestStats(t *testing.T) {
	p := New(testLogger())
	dest := newRecorder("console")
	require.NoError(t, p.Register(dest, audit.DestinationConfig{Enabled: true, MinSeverity: audit.SeverityWarning}))

	p.Log(context.Background(), audit.Event{Name: "A", Severity: audit.SeverityWarning})
	flush(t, p)

	stats := p.Stats()
	assert.Equal(t, 0, stats.QueueDepth)
	assert.False(t, stats.Draining)
	require.Contains(t, stats.Destinations, "console")
	assert.Equal(t, int64(1), stats.Destinations["console"].Delivered)
	assert.True(t, stats.Destinations["console"].Enabled)
}
