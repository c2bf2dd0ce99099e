package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncEvent_HashVerifies(t *testing.T) {
	origin := uuid.New()
	event, err := NewSyncEvent("clinical.appointment", uuid.New(), EventCreate, Snapshot{
		"status":           "scheduled",
		"duration_minutes": 30,
	}, &origin)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Len(t, event.DataHash, 64)
	assert.NoError(t, event.VerifyHash())
	assert.True(t, event.OriginatedAt(origin))
}

// TestSyncEvent_TamperedSnapshot tests that a modified snapshot no longer verifies
func TestSyncEvent_TamperedSnapshot(t *testing.T) {
	event, err := NewSyncEvent("finance.transaction", uuid.New(), EventUpdate, Snapshot{"amount": 100}, nil)
	require.NoError(t, err)

	event.DataSnapshot["amount"] = 1000

	assert.ErrorIs(t, event.VerifyHash(), ErrHashMismatch)
}

// TestSyncEvent_HashSurvivesWire tests that a hash computed before sending still
// verifies after the event goes through JSON encoding and decoding
func TestSyncEvent_HashSurvivesWire(t *testing.T) {
	event, err := NewSyncEvent("finance.transaction", uuid.New(), EventCreate, Snapshot{
		"amount":   1250.5,
		"quantity": 3,
		"meta":     map[string]any{"channel": "pos"},
	}, nil)
	require.NoError(t, err)

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded SyncEvent
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.NoError(t, decoded.VerifyHash())
	assert.IsType(t, json.Number(""), decoded.DataSnapshot["quantity"])
	assert.Nil(t, decoded.OriginInstanceID)
	assert.Contains(t, string(data), `"model_name":"finance.transaction"`)
	assert.NotContains(t, string(data), "synced_to_cloud")
}

func TestSnapshot_ChangedFields(t *testing.T) {
	prev := Snapshot{"status": "scheduled", "notes": "a", "room": "1"}
	next := Snapshot{"status": "cancelled", "notes": "a", "reason": "sick"}

	assert.Equal(t, []string{"reason", "room", "status"}, next.ChangedFields(prev))
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	orig := Snapshot{"meta": map[string]any{"k": "v"}}
	clone := orig.Clone()

	clone["meta"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "v", orig["meta"].(map[string]any)["k"])
}

func TestValuesEqual_NumberForms(t *testing.T) {
	assert.True(t, ValuesEqual(json.Number("10"), float64(10)))
	assert.True(t, ValuesEqual(json.Number("10.0"), json.Number("10")))
	assert.False(t, ValuesEqual("10", json.Number("10")))
}

func TestSyncInstance_SyncDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-5 * time.Minute)
	stale := now.Add(-20 * time.Minute)

	inst := &SyncInstance{IsActive: true, SyncEnabled: true}
	assert.True(t, inst.SyncDue(now), "never synced should be due")

	inst.LastSyncAt = &recent
	assert.False(t, inst.SyncDue(now), "default interval not elapsed")

	inst.LastSyncAt = &stale
	assert.True(t, inst.SyncDue(now))

	inst.SyncInterval = time.Hour
	assert.False(t, inst.SyncDue(now), "per-instance interval respected")

	inst.SyncEnabled = false
	inst.SyncInterval = 0
	assert.False(t, inst.SyncDue(now), "disabled instance is never due")
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, OutcomeStatus(3, 0))
	assert.Equal(t, StatusSuccess, OutcomeStatus(0, 0))
	assert.Equal(t, StatusPartial, OutcomeStatus(2, 1))
	assert.Equal(t, StatusFailed, OutcomeStatus(0, 2))
}

func TestRecord_StateHash(t *testing.T) {
	var missing *Record
	assert.Equal(t, "", missing.StateHash())

	rec := &Record{DataHash: "abc"}
	assert.Equal(t, "abc", rec.StateHash())

	now := time.Now()
	rec.DeletedAt = &now
	assert.Equal(t, TombstoneHash, rec.StateHash(), "deleted records share one state")
}
