package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, table_name, operation, record_id, change_data, status, retry_count, trace_id, error_message, created_at, processed_at`

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// ClaimPending flips pending rows to processing in one statement. The
// inner SELECT uses SKIP LOCKED so concurrent claimers never block on
// or double-claim the same rows.
func (p *Postgres) ClaimPending(ctx context.Context, limit int) ([]SyncJob, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE sync_queue
		SET status = 'processing', trace_id = gen_random_uuid()::text, processed_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending rows: %w", err)
	}
	return jobs, nil
}

func (p *Postgres) ClaimByID(ctx context.Context, id int64) (SyncJob, bool, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE sync_queue
		SET status = 'processing', trace_id = gen_random_uuid()::text, processed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns,
		id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncJob{}, false, nil
	}
	if err != nil {
		return SyncJob{}, false, err
	}
	return job, true, nil
}

func (p *Postgres) MarkSent(ctx context.Context, id int64) error {
	// Guarded by status so re-marking an already-sent row is a no-op.
	_, err := p.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = 'sent', processed_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = 'failed', processed_at = NOW(), error_message = $2
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// SweepStuck handles the whole stuck cohort in one statement so a crash
// mid-sweep cannot fail one half while leaving the other for later.
func (p *Postgres) SweepStuck(ctx context.Context, olderThan time.Duration, maxRetries int) (SweepResult, error) {
	cutoff := time.Now().Add(-olderThan)
	var res SweepResult

	rows, err := p.pool.Query(ctx, `
		UPDATE sync_queue
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    processed_at = CASE WHEN retry_count + 1 >= $2 THEN processed_at ELSE NULL END,
		    error_message = CASE WHEN retry_count + 1 >= $2
		        THEN 'stuck in processing beyond threshold' ELSE NULL END,
		    trace_id = CASE WHEN retry_count + 1 >= $2 THEN trace_id ELSE NULL END
		WHERE status = 'processing' AND processed_at < $1
		RETURNING status
	`, cutoff, maxRetries)
	if err != nil {
		return res, fmt.Errorf("sweep stuck: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return res, fmt.Errorf("scan swept status: %w", err)
		}
		if status == string(StatusFailed) {
			res.Failed++
		} else {
			res.Requeued++
		}
	}
	return res, rows.Err()
}

func (p *Postgres) RequeueFailed(ctx context.Context, limit int) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = 'pending', error_message = NULL, processed_at = NULL, trace_id = NULL
		WHERE id IN (
			SELECT id FROM sync_queue
			WHERE status = 'failed'
			ORDER BY created_at ASC
			LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM sync_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (SyncJob, error) {
	var job SyncJob
	var changeJSON []byte
	var traceID, errMsg pgtype.Text
	var processedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.TableName, (*string)(&job.Operation), &job.RecordID,
		&changeJSON, (*string)(&job.Status), &job.RetryCount,
		&traceID, &errMsg, &job.CreatedAt, &processedAt,
	)
	if err != nil {
		return SyncJob{}, err
	}

	if len(changeJSON) > 0 {
		if err := json.Unmarshal(changeJSON, &job.ChangeData); err != nil {
			return SyncJob{}, fmt.Errorf("unmarshal change_data for job %d: %w", job.ID, err)
		}
	}
	if traceID.Valid {
		job.TraceID = traceID.String
	}
	if errMsg.Valid {
		job.ErrorMessage = errMsg.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		job.ProcessedAt = &t
	}
	return job, nil
}
