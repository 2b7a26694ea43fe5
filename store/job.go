package store

import "time"

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Status enumerates the sync-queue lifecycle states. Transitions are
// monotonic except for the stuck-sweep rollback processing -> pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ChangeData carries the row snapshots captured by the upstream trigger
// at mutation time. Old is nil for inserts, New is nil for deletes.
type ChangeData struct {
	Old map[string]any `json:"old,omitempty"`
	New map[string]any `json:"new,omitempty"`
}

// SyncJob is one captured mutation from the sync_queue table. Rows are
// created by the upstream trigger; the bridge only owns the status
// fields while a job is not pending.
type SyncJob struct {
	ID           int64
	TableName    string
	Operation    Operation
	RecordID     string
	ChangeData   ChangeData
	Status       Status
	RetryCount   int
	TraceID      string
	ErrorMessage string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}
