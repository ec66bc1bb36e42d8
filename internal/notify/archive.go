package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/avabridge/pkg/conversation"
)

// ArchiveSchema is the SQL DDL for the call_summaries table. Execute it via
// [Archive.Migrate] or apply it during deployment.
const ArchiveSchema = `
CREATE TABLE IF NOT EXISTS call_summaries (
    call_id     TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    stream_id   TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL,
    transcript  JSONB NOT NULL DEFAULT '[]',
    started_at  TIMESTAMPTZ,
    duration_ms BIGINT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_summaries_tenant ON call_summaries (tenant_id, created_at DESC);
`

// emptyTurns marshals to [] rather than null.
var emptyTurns = []conversation.Turn{}

// Execer is the subset of *pgxpool.Pool used by [Archive].
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Archive stores every summary with its transcript in PostgreSQL.
type Archive struct {
	db Execer
}

var _ Notifier = (*Archive)(nil)

// NewArchive creates an [Archive] on db.
func NewArchive(db Execer) *Archive {
	return &Archive{db: db}
}

// Migrate creates the call_summaries table if it does not exist.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, ArchiveSchema); err != nil {
		return fmt.Errorf("notify: migrate archive: %w", err)
	}
	return nil
}

// Notify inserts the delivery. A repeated call id overwrites the summary.
func (a *Archive) Notify(ctx context.Context, d Delivery) error {
	if d.CallID == "" {
		return errors.New("notify: archive: call id must not be empty")
	}
	turns := d.Transcript
	if turns == nil {
		turns = emptyTurns
	}
	transcript, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("notify: archive: marshal transcript: %w", err)
	}

	var startedAt *time.Time
	if !d.StartedAt.IsZero() {
		startedAt = &d.StartedAt
	}
	var durationMs *int64
	if d.Duration > 0 {
		ms := d.Duration.Milliseconds()
		durationMs = &ms
	}

	const q = `
		INSERT INTO call_summaries (call_id, tenant_id, stream_id, summary, transcript, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE SET
		    summary     = EXCLUDED.summary,
		    transcript  = EXCLUDED.transcript,
		    duration_ms = EXCLUDED.duration_ms`

	if _, err := a.db.Exec(ctx, q,
		d.CallID, d.TenantID, d.StreamID, d.Summary, transcript, startedAt, durationMs,
	); err != nil {
		return fmt.Errorf("notify: archive call %s: %w", d.CallID, err)
	}
	return nil
}
