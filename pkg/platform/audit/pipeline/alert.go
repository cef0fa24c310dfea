package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	audit "medgate/pkg/platform/audit"
)

// Alerter is the high-priority notification path for critical events,
// decoupled from log destinations. Alert must not block for long and must
// never propagate failures to the event producer.
type Alerter interface {
	Alert(ctx context.Context, event audit.Event)
}

// LogAlerter pages through the error log channel. It is the default when no
// webhook is configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, event audit.Event) {
	a.logger.ErrorContext(ctx, "CRITICAL security event",
		"event", event.Name,
		"event_id", event.ID,
		"request_id", event.Metadata.RequestID,
	)
}

// WebhookAlerter posts alerts to an external notification endpoint
// (paging bridge, chat webhook). Failures fall back to the logger.
type WebhookAlerter struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookAlerter(url string, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (a *WebhookAlerter) Alert(ctx context.Context, event audit.Event) {
	payload, err := json.Marshal(map[string]any{
		"event_name": event.Name,
		"event_id":   event.ID,
		"severity":   event.Severity,
		"timestamp":  event.Timestamp,
		"request_id": event.Metadata.RequestID,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to encode alert", "event", event.Name, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to build alert request", "event", event.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.ErrorContext(ctx, "alert webhook failed", "event", event.Name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		a.logger.ErrorContext(ctx, "alert webhook rejected",
			"event", event.Name,
			"error", fmt.Sprintf("status %d", resp.StatusCode),
		)
	}
}
