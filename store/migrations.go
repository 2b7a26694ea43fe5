package store

import (
	"context"
	"fmt"
)

// NotifyChannel is the LISTEN/NOTIFY channel populated by the insert
// trigger below. The realtime watcher subscribes to it; the payload is
// the new row's id.
const NotifyChannel = "sync_queue_events"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id BIGSERIAL PRIMARY KEY,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
		record_id TEXT NOT NULL,
		change_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'sent', 'completed', 'failed')),
		retry_count INT NOT NULL DEFAULT 0,
		trace_id TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_pending
		ON sync_queue (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_processing
		ON sync_queue (processed_at) WHERE status = 'processing'`,
	`CREATE OR REPLACE FUNCTION notify_sync_queue_insert() RETURNS trigger AS $$
	BEGIN
		IF NEW.status = 'pending' THEN
			PERFORM pg_notify('` + NotifyChannel + `', NEW.id::text);
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS sync_queue_notify ON sync_queue`,
	`CREATE TRIGGER sync_queue_notify
		AFTER INSERT ON sync_queue
		FOR EACH ROW EXECUTE FUNCTION notify_sync_queue_insert()`,
}

// RunMigrations applies the sync-queue DDL. Statements are idempotent
// so re-running on startup is safe.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
