package syncbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/angache/benalsam-sync-bridge/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRoutingKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		table    string
		op       store.Operation
		expected string
	}{
		{table: "listings", op: store.OpUpdate, expected: "listing.update"},
		{table: "listings", op: store.OpInsert, expected: "listing.insert"},
		{table: "profiles", op: store.OpDelete, expected: "profile.delete"},
		{table: "inventory", op: store.OpUpdate, expected: "inventory.update"},
		{table: "s", op: store.OpInsert, expected: "s.insert"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, SyncRoutingKey(tc.table, tc.op))
	}
}

func TestStatusRoutingKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "listing.status.sold", StatusRoutingKey("listings", "sold"))
	assert.Equal(t, "listing.status.expired", StatusRoutingKey("listings", "Expired"))
	assert.Equal(t, "order.status.cancelled", StatusRoutingKey("orders", "cancelled"))
}

func TestStatusTransition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		job      store.SyncJob
		expected string
		changed  bool
	}{
		{
			name: "update with changed status",
			job: store.SyncJob{
				Operation: store.OpUpdate,
				ChangeData: store.ChangeData{
					Old: map[string]any{"status": "active"},
					New: map[string]any{"status": "sold"},
				},
			},
			expected: "sold",
			changed:  true,
		},
		{
			name: "update with unchanged status",
			job: store.SyncJob{
				Operation: store.OpUpdate,
				ChangeData: store.ChangeData{
					Old: map[string]any{"status": "active"},
					New: map[string]any{"status": "active"},
				},
			},
		},
		{
			name: "update without status column",
			job: store.SyncJob{
				Operation:  store.OpUpdate,
				ChangeData: store.ChangeData{New: map[string]any{"price": 100}},
			},
		},
		{
			name: "insert never fans out",
			job: store.SyncJob{
				Operation:  store.OpInsert,
				ChangeData: store.ChangeData{New: map[string]any{"status": "active"}},
			},
		},
		{
			name: "update with missing old snapshot",
			job: store.SyncJob{
				Operation:  store.OpUpdate,
				ChangeData: store.ChangeData{New: map[string]any{"status": "sold"}},
			},
			expected: "sold",
			changed:  true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, changed := statusTransition(tc.job)
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.expected, status)
		})
	}
}

func TestNewEnvelope_JSONShape(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	job := store.SyncJob{
		ID:        7,
		TableName: "listings",
		Operation: store.OpUpdate,
		RecordID:  "abc",
		ChangeData: store.ChangeData{
			Old: map[string]any{"status": "active"},
			New: map[string]any{"status": "sold"},
		},
		TraceID: "11111111-2222-3333-4444-555555555555",
	}

	body, err := json.Marshal(NewEnvelope(job, at))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "SYNC", decoded["type"])
	assert.Equal(t, "UPDATE", decoded["operation"])
	assert.Equal(t, "listings", decoded["table"])
	assert.Equal(t, "abc", decoded["recordId"])
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", decoded["traceId"])
	assert.Equal(t, "2025-06-01T12:30:00Z", decoded["timestamp"])

	changeData, ok := decoded["changeData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"status": "active"}, changeData["old"])
	assert.Equal(t, map[string]any{"status": "sold"}, changeData["new"])
}
