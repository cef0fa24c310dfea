package destinations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	audit "medgate/pkg/platform/audit"
)

// Postgres persists events to the audit_events table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a postgres destination using the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (d *Postgres) Name() string { return "database" }

func (d *Postgres) Write(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO audit_events (id, event_name, severity, occurred_at, request_id, session_id, trace_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.Name,
		string(event.Severity),
		event.Timestamp,
		event.Metadata.RequestID,
		event.Metadata.SessionID,
		event.Metadata.TraceID,
		details,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
