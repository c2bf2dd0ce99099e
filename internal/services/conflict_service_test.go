package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingPayment builds a transaction edited both at the cloud and at an
// instance, leaving one manual conflict on the cloud.
func pendingPayment(t *testing.T) (*cloudEnv, *localEnv, uuid.UUID, *models.SyncConflict) {
	t.Helper()
	ctx := context.Background()
	cloud := newCloudEnv(t)
	a := cloud.newLocal(t, "pharmacy-a", SyncConfig{})
	id := create(t, a.writer, entities.TypeTransaction, models.Snapshot{
		"wallet_id": "9a1b2c3d-0000-4000-8000-000000000001",
		"amount":    40,
		"currency":  "EUR",
	})
	syncAll(t, a)

	cloudSnap := record(t, cloud.store, entities.TypeTransaction, id).Data.Clone()
	cloudSnap["amount"] = 45
	_, err := cloud.writer.Update(ctx, capture.ApplyContext{}, entities.TypeTransaction, id, cloudSnap)
	require.NoError(t, err)

	edit(t, a, entities.TypeTransaction, id, time.Now().Add(time.Hour), models.Snapshot{"amount": 50})
	_, err = a.sync.Push(ctx)
	require.NoError(t, err)

	pending := pendingConflicts(cloud.store)
	require.Len(t, pending, 1)
	return cloud, a, id, pending[0]
}

// TestConflictService_UseCloudAnnouncesCurrentState tests that keeping the cloud version still emits an authoritative event
func TestConflictService_UseCloudAnnouncesCurrentState(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	cloud, a, id, c := pendingPayment(t)
	before := record(t, cloud.store, entities.TypeTransaction, id)

	// ACT
	resolved, event, err := cloud.conflicts.Resolve(ctx, cloud.orgID, c.ID, models.ResolveConflictRequest{
		Resolution: models.ResolveUseCloud,
		ResolvedBy: "auditor@clinic",
		Notes:      "cloud ledger is correct",
	})

	// ASSERT
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "auditor@clinic", resolved.ResolvedBy)
	assert.Equal(t, models.StrategyManual, resolved.ResolutionStrategy)
	assert.Equal(t, before.DataHash, record(t, cloud.store, entities.TypeTransaction, id).DataHash)

	require.NotNil(t, event)
	assert.True(t, event.IsAuthoritative())
	assert.Equal(t, before.DataHash, event.DataHash)
	assert.Nil(t, event.OriginInstanceID)

	// ACT
	syncAll(t, a)

	// ASSERT
	assert.True(t, models.ValuesEqual(45, record(t, a.store, entities.TypeTransaction, id).Data["amount"]))
	assert.Empty(t, pendingConflicts(a.store))
}

func TestConflictService_RejectsInvalidRequests(t *testing.T) {
	cloud, _, _, c := pendingPayment(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		orgID   uuid.UUID
		req     models.ResolveConflictRequest
		wantErr error
	}{
		{"merge", cloud.orgID, models.ResolveConflictRequest{Resolution: models.ResolveMerge, ResolvedBy: "x"}, conflict.ErrMergeNotSupported},
		{"unknown resolution", cloud.orgID, models.ResolveConflictRequest{Resolution: "coin_flip", ResolvedBy: "x"}, ErrInvalidResolution},
		{"no principal", cloud.orgID, models.ResolveConflictRequest{Resolution: models.ResolveUseLocal}, ErrPrincipalRequired},
		{"other organization", uuid.New(), models.ResolveConflictRequest{Resolution: models.ResolveUseLocal, ResolvedBy: "x"}, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := cloud.conflicts.Resolve(ctx, tt.orgID, c.ID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Len(t, pendingConflicts(cloud.store), 1, "rejected requests leave the conflict open")
}

func TestConflictService_ResolveTwice(t *testing.T) {
	cloud, _, _, c := pendingPayment(t)
	ctx := context.Background()
	req := models.ResolveConflictRequest{Resolution: models.ResolveUseLocal, ResolvedBy: "billing"}

	_, _, err := cloud.conflicts.Resolve(ctx, cloud.orgID, c.ID, req)
	require.NoError(t, err)
	_, _, err = cloud.conflicts.Resolve(ctx, cloud.orgID, c.ID, req)

	assert.ErrorIs(t, err, repositories.ErrAlreadyResolved)
}

func TestConflictService_UnknownConflict(t *testing.T) {
	cloud := newCloudEnv(t)

	_, _, err := cloud.conflicts.Resolve(context.Background(), cloud.orgID, uuid.New(), models.ResolveConflictRequest{
		Resolution: models.ResolveUseCloud,
		ResolvedBy: "x",
	})

	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestConflictService_ListScopesToOrganization(t *testing.T) {
	cloud, _, _, c := pendingPayment(t)
	ctx := context.Background()

	mine, err := cloud.conflicts.List(ctx, cloud.orgID, true, 0)
	require.NoError(t, err)
	theirs, err := cloud.conflicts.List(ctx, uuid.New(), true, 0)
	require.NoError(t, err)

	require.Len(t, mine, 1)
	assert.Equal(t, c.ID, mine[0].ID)
	assert.Empty(t, theirs)
	assert.NotNil(t, theirs)
}
