package conflict

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	registry = entities.DefaultRegistry()
	t0       = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newTestResolver() *Resolver {
	return NewResolver(models.StrategyLatestWins, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func schema(entityType string) *entities.Schema {
	return registry.MustLookup(entityType).Schema()
}

func ts(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func appointmentInput(localAt, cloudAt time.Time) Input {
	return Input{
		Schema:   schema(entities.TypeAppointment),
		EntityID: uuid.New(),
		Type:     models.ConflictUpdateUpdate,
		Local:    models.Snapshot{"status": "checked_in", "updated_at": ts(localAt)},
		Cloud:    models.Snapshot{"status": "cancelled", "updated_at": ts(cloudAt)},
	}
}

func TestResolve_LatestWins(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		name    string
		localAt time.Time
		cloudAt time.Time
		want    Outcome
	}{
		{"local later", t0.Add(time.Minute), t0, OutcomeUseLocal},
		{"cloud later", t0, t0.Add(time.Minute), OutcomeUseCloud},
		{"tie goes to cloud", t0, t0, OutcomeUseCloud},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Resolve(appointmentInput(tt.localAt, tt.cloudAt))

			assert.Equal(t, models.StrategyLatestWins, d.Strategy)
			assert.Equal(t, tt.want, d.Outcome)
			assert.False(t, d.RequiresManual)
		})
	}
}

func TestResolve_LatestWinsWithoutTimestampsEscalates(t *testing.T) {
	r := newTestResolver()
	in := appointmentInput(t0, t0)
	in.Cloud["updated_at"] = "not a time"

	d := r.Resolve(in)

	assert.Equal(t, OutcomePending, d.Outcome)
	assert.True(t, d.RequiresManual)
	assert.Equal(t, models.StrategyManual, d.Strategy)
}

// TestResolve_CriticalNeverAutoResolves tests that critical and financial types always wait for a human
func TestResolve_CriticalNeverAutoResolves(t *testing.T) {
	r := newTestResolver()

	for _, entityType := range []string{entities.TypeInsuranceClaim, entities.TypeTransaction, entities.TypeWallet} {
		for _, conflictType := range []models.ConflictType{models.ConflictUpdateUpdate, models.ConflictDeleteUpdate} {
			in := Input{
				Schema: schema(entityType),
				Type:   conflictType,
				Local:  models.Snapshot{"updated_at": ts(t0.Add(time.Hour))},
				Cloud:  models.Snapshot{"updated_at": ts(t0)},
			}

			d := r.Resolve(in)

			assert.True(t, d.RequiresManual, "%s %s", entityType, conflictType)
			assert.Equal(t, OutcomePending, d.Outcome)
			_, _, ok := d.State(in)
			assert.False(t, ok)
		}
	}
}

func TestResolve_FinancialIsPaymentConflict(t *testing.T) {
	r := newTestResolver()
	in := Input{
		Schema:   schema(entities.TypeTransaction),
		EntityID: uuid.New(),
		Type:     models.ConflictUpdateUpdate,
		Local:    models.Snapshot{"amount": 100},
		Cloud:    models.Snapshot{"amount": 120},
	}

	d := r.Resolve(in)
	c := d.Conflict(in, nil, nil, t0)

	assert.Equal(t, models.ConflictPayment, d.ConflictType)
	assert.Equal(t, models.ConflictPayment, c.ConflictType)
	assert.False(t, c.Resolved)
	assert.True(t, c.Pending())
	assert.Equal(t, in.EntityID, c.EntityID)
}

func TestResolve_DeleteWins(t *testing.T) {
	r := newTestResolver()
	in := Input{
		Schema:       schema(entities.TypeAppointment),
		Type:         models.ConflictDeleteUpdate,
		Local:        models.Snapshot{"status": "scheduled"},
		Cloud:        models.Snapshot{"status": "confirmed", "updated_at": ts(t0.Add(time.Hour))},
		LocalDeleted: true,
	}

	d := r.Resolve(in)
	snap, deleted, ok := d.State(in)

	assert.Equal(t, OutcomeDeleted, d.Outcome)
	assert.True(t, ok)
	assert.True(t, deleted)
	assert.Equal(t, "scheduled", snap["status"], "tombstone carries the deleted side's last state")
}

func TestResolve_CreateCreateIsManual(t *testing.T) {
	d := newTestResolver().Resolve(Input{
		Schema: schema(entities.TypeAppointment),
		Type:   models.ConflictCreateCreate,
		Local:  models.Snapshot{"status": "scheduled"},
		Cloud:  models.Snapshot{"status": "confirmed"},
	})

	assert.True(t, d.RequiresManual)
	assert.Equal(t, models.ConflictCreateCreate, d.ConflictType)
}

func TestResolve_PinnedStrategies(t *testing.T) {
	r := newTestResolver()

	cloudPinned := r.Resolve(Input{
		Schema: schema(entities.TypeParticipant),
		Type:   models.ConflictUpdateUpdate,
		Local:  models.Snapshot{"role": "nurse", "updated_at": ts(t0.Add(time.Hour))},
		Cloud:  models.Snapshot{"role": "doctor", "updated_at": ts(t0)},
	})
	assert.Equal(t, models.StrategyCloudWins, cloudPinned.Strategy)
	assert.Equal(t, OutcomeUseCloud, cloudPinned.Outcome, "pinned strategy ignores timestamps")

	localPinned := r.Resolve(Input{
		Schema: schema(entities.TypeOperationalNote),
		Type:   models.ConflictUpdateUpdate,
		Local:  models.Snapshot{"subject": "a"},
		Cloud:  models.Snapshot{"subject": "b"},
	})
	assert.Equal(t, OutcomeUseLocal, localPinned.Outcome)
}

func TestResolve_DefaultStrategyIsConfigurable(t *testing.T) {
	r := NewResolver(models.StrategyCloudWins, nil)

	d := r.Resolve(appointmentInput(t0.Add(time.Hour), t0))

	assert.Equal(t, OutcomeUseCloud, d.Outcome)
}

func TestDecision_AutomaticConflictIsResolved(t *testing.T) {
	in := appointmentInput(t0.Add(time.Minute), t0)
	instanceID := uuid.New()
	eventID := uuid.New()

	d := newTestResolver().Resolve(in)
	c := d.Conflict(in, &instanceID, &eventID, t0)

	assert.True(t, c.Resolved)
	assert.Equal(t, SystemPrincipal, c.ResolvedBy)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, &eventID, c.EventID)
	assert.Equal(t, "checked_in", c.LocalVersion["status"])
	assert.Equal(t, "cancelled", c.CloudVersion["status"])
}

// TestMerge_FieldLevelWithBase tests that disjoint edits are combined and text edits on both sides are kept
func TestMerge_FieldLevelWithBase(t *testing.T) {
	// ARRANGE
	base := models.Snapshot{"sku": "A-1", "name": "Gauze", "quantity": 10, "notes": "shelf 2", "updated_at": ts(t0)}
	local := base.Clone()
	local["quantity"] = 8
	local["notes"] = "moved to shelf 3"
	local["updated_at"] = ts(t0.Add(2 * time.Minute))
	cloud := base.Clone()
	cloud["name"] = "Sterile gauze"
	cloud["notes"] = "reorder soon"
	cloud["updated_at"] = ts(t0.Add(time.Minute))

	in := Input{
		Schema: schema(entities.TypeInventoryItem),
		Type:   models.ConflictUpdateUpdate,
		Local:  local,
		Cloud:  cloud,
		Base:   base,
	}

	// ACT
	d := newTestResolver().Resolve(in)

	// ASSERT
	require.Equal(t, OutcomeMerged, d.Outcome)
	assert.Equal(t, 8, d.Merged["quantity"])
	assert.Equal(t, "Sterile gauze", d.Merged["name"])
	assert.Equal(t, "A-1", d.Merged["sku"])
	assert.Equal(t, "reorder soon\n[MERGED]\nmoved to shelf 3", d.Merged["notes"])
	assert.Equal(t, ts(t0.Add(2*time.Minute)), d.Merged["updated_at"], "non-text field follows the later side")
}

func TestMerge_HintsWithoutBase(t *testing.T) {
	in := Input{
		Schema:       schema(entities.TypeInventoryItem),
		Type:         models.ConflictUpdateUpdate,
		Local:        models.Snapshot{"sku": "A-1", "quantity": 3, "unit_price": 2},
		Cloud:        models.Snapshot{"sku": "A-1", "quantity": 5, "unit_price": 4},
		LocalChanged: []string{"quantity"},
		CloudChanged: []string{"unit_price"},
	}

	merged := Merge(in)

	assert.Equal(t, 3, merged["quantity"])
	assert.Equal(t, 4, merged["unit_price"])
}

func TestMerge_NonTextBothChangedFallsBackToCloud(t *testing.T) {
	in := Input{
		Schema: schema(entities.TypeInventoryItem),
		Type:   models.ConflictUpdateUpdate,
		Local:  models.Snapshot{"quantity": 3},
		Cloud:  models.Snapshot{"quantity": 5},
	}

	merged := Merge(in)

	assert.Equal(t, 5, merged["quantity"], "no usable timestamps")
}

func TestMerge_RemovedField(t *testing.T) {
	base := models.Snapshot{"sku": "A-1", "notes": "old"}
	in := Input{
		Schema: schema(entities.TypeInventoryItem),
		Type:   models.ConflictUpdateUpdate,
		Local:  models.Snapshot{"sku": "A-1"},
		Cloud:  models.Snapshot{"sku": "A-1", "notes": "old"},
		Base:   base,
	}

	merged := Merge(in)

	assert.NotContains(t, merged, "notes", "local removal applies when the cloud left the field alone")
}
