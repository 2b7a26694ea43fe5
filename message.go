package syncbridge

import (
	"strings"
	"time"

	"github.com/angache/benalsam-sync-bridge/store"
)

// EnvelopeType is the discriminator carried by every outbound message.
const EnvelopeType = "SYNC"

// Envelope is the outbound message published for each captured
// mutation. Timestamp marshals as RFC 3339, which downstream consumers
// parse as ISO 8601.
type Envelope struct {
	Type       string           `json:"type"`
	Operation  store.Operation  `json:"operation"`
	Table      string           `json:"table"`
	RecordID   string           `json:"recordId"`
	ChangeData store.ChangeData `json:"changeData"`
	TraceID    string           `json:"traceId"`
	Timestamp  time.Time        `json:"timestamp"`
}

func NewEnvelope(job store.SyncJob, at time.Time) Envelope {
	return Envelope{
		Type:       EnvelopeType,
		Operation:  job.Operation,
		Table:      job.TableName,
		RecordID:   job.RecordID,
		ChangeData: job.ChangeData,
		TraceID:    job.TraceID,
		Timestamp:  at.UTC(),
	}
}

// SyncRoutingKey builds "<entity>.<operation>" keys for the sync
// exchange, e.g. "listing.update" for an update on the listings table.
func SyncRoutingKey(table string, op store.Operation) string {
	return entityName(table) + "." + strings.ToLower(string(op))
}

// StatusRoutingKey builds "<entity>.status.<new-status>" keys for the
// status-change exchange, e.g. "listing.status.sold".
func StatusRoutingKey(table, status string) string {
	return entityName(table) + ".status." + strings.ToLower(status)
}

// entityName singularizes a table name for routing keys: "listings"
// becomes "listing".
func entityName(table string) string {
	if len(table) > 1 && strings.HasSuffix(table, "s") {
		return table[:len(table)-1]
	}
	return table
}

// statusTransition reports the record's resulting lifecycle status when
// an update changed it, read from the change snapshots.
func statusTransition(job store.SyncJob) (string, bool) {
	if job.Operation != store.OpUpdate {
		return "", false
	}
	newStatus, ok := job.ChangeData.New["status"].(string)
	if !ok || newStatus == "" {
		return "", false
	}
	oldStatus, _ := job.ChangeData.Old["status"].(string)
	if newStatus == oldStatus {
		return "", false
	}
	return newStatus, true
}
