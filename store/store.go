package store

import (
	"context"
	"time"
)

// SweepResult reports what a stuck-job sweep did.
type SweepResult struct {
	Requeued int64
	Failed   int64
}

// Store is the sync-queue access surface the bridge depends on. The
// claim operations are atomic conditional updates: a row can only be
// claimed once, which is the sole deduplication point between the
// realtime watcher and the poll loop.
type Store interface {
	// ClaimPending atomically flips up to limit pending rows (oldest
	// first) to processing, stamping trace id and processed_at, and
	// returns the claimed rows.
	ClaimPending(ctx context.Context, limit int) ([]SyncJob, error)

	// ClaimByID claims a single pending row. ok is false when the row
	// does not exist or was already claimed by someone else.
	ClaimByID(ctx context.Context, id int64) (job SyncJob, ok bool, err error)

	// MarkSent transitions a processing row to sent. Calling it for a
	// row that already left processing is a no-op.
	MarkSent(ctx context.Context, id int64) error

	// MarkFailed records the failure reason and transitions the row to
	// failed.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// SweepStuck handles rows left in processing longer than olderThan:
	// retry count is incremented, and the row goes back to pending or,
	// once the retry budget is exhausted, to failed.
	SweepStuck(ctx context.Context, olderThan time.Duration, maxRetries int) (SweepResult, error)

	// RequeueFailed flips failed rows back to pending for manual
	// reprocessing and returns how many rows were requeued.
	RequeueFailed(ctx context.Context, limit int) (int64, error)

	// CountByStatus returns row counts per lifecycle state.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
}
