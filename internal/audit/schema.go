package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Table is the audit table name.
const Table = "realtime_lifecycle"

const schema = `
CREATE TABLE IF NOT EXISTS realtime_lifecycle (
	id          BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	instance_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	channel     TEXT NOT NULL DEFAULT '',
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL DEFAULT '',
	subscriber  TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 0,
	delay_ms    BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS realtime_lifecycle_channel_idx
	ON realtime_lifecycle (channel, recorded_at);
`

const insertRecord = `
	INSERT INTO realtime_lifecycle
		(recorded_at, instance_id, kind, channel, from_state, to_state, subscriber, attempt, delay_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// Execer runs a statement. *pgxpool.Pool and *pgx.Conn satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the audit table and index if they are missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create %s: %w", Table, err)
	}
	return nil
}
