// Package conflict decides how divergent versions of the same entity are reconciled.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
)

// ErrMergeNotSupported is returned when a manual resolution asks for a merge.
var ErrMergeNotSupported = errors.New("merge is not supported as a manual resolution")

// SystemPrincipal is recorded as resolved_by for automatic resolutions.
const SystemPrincipal = "system"

type Outcome string

const (
	OutcomeUseLocal Outcome = "use_local"
	OutcomeUseCloud Outcome = "use_cloud"
	OutcomeMerged   Outcome = "merged"
	OutcomeDeleted  Outcome = "deleted"
	OutcomePending  Outcome = "pending"
)

// Input is one conflict as seen from a local instance and the cloud.
type Input struct {
	Schema       *entities.Schema
	EntityID     uuid.UUID
	Type         models.ConflictType
	Local        models.Snapshot
	Cloud        models.Snapshot
	LocalDeleted bool
	CloudDeleted bool
	// Base is the common ancestor snapshot when it is known.
	Base models.Snapshot
	// LocalChanged and CloudChanged are changed-field hints used when Base is unknown.
	LocalChanged []string
	CloudChanged []string
}

type Decision struct {
	ConflictType   models.ConflictType
	Strategy       models.ResolutionStrategy
	Outcome        Outcome
	Merged         models.Snapshot
	RequiresManual bool
	Notes          string
}

// State returns the snapshot and deletion flag the decision settles on.
// ok is false while the decision is pending.
func (d Decision) State(in Input) (snapshot models.Snapshot, deleted bool, ok bool) {
	switch d.Outcome {
	case OutcomeUseLocal:
		return in.Local, in.LocalDeleted, true
	case OutcomeUseCloud:
		return in.Cloud, in.CloudDeleted, true
	case OutcomeMerged:
		return d.Merged, false, true
	case OutcomeDeleted:
		if in.LocalDeleted {
			return in.Local, true, true
		}
		return in.Cloud, true, true
	default:
		return nil, false, false
	}
}

// Conflict builds the audit row for the decision.
func (d Decision) Conflict(in Input, instanceID, eventID *uuid.UUID, at time.Time) *models.SyncConflict {
	c := &models.SyncConflict{
		ID:                       uuid.New(),
		ConflictType:             d.ConflictType,
		EntityType:               in.Schema.Type,
		EntityID:                 in.EntityID,
		EventID:                  eventID,
		LocalVersion:             in.Local.Clone(),
		CloudVersion:             in.Cloud.Clone(),
		LocalDeleted:             in.LocalDeleted,
		CloudDeleted:             in.CloudDeleted,
		ResolutionStrategy:       d.Strategy,
		DetectedAt:               at,
		InstanceID:               instanceID,
		RequiresManualResolution: d.RequiresManual,
		Notes:                    d.Notes,
	}
	if !d.RequiresManual {
		c.Resolved = true
		c.ResolvedAt = &at
		c.ResolvedBy = SystemPrincipal
	}
	return c
}

type Resolver struct {
	defaultStrategy models.ResolutionStrategy
	logger          *slog.Logger
}

// NewResolver creates a resolver that uses defaultStrategy for types without a pinned strategy.
func NewResolver(defaultStrategy models.ResolutionStrategy, logger *slog.Logger) *Resolver {
	if !defaultStrategy.Valid() {
		defaultStrategy = models.StrategyLatestWins
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{defaultStrategy: defaultStrategy, logger: logger}
}

func (r *Resolver) Resolve(in Input) Decision {
	d := r.decide(in)

	r.logger.Info("conflict resolved",
		"entity_type", in.Schema.Type,
		"conflict_type", d.ConflictType,
		"strategy", d.Strategy,
		"outcome", d.Outcome,
		"requires_manual", d.RequiresManual,
	)
	return d
}

func (r *Resolver) decide(in Input) Decision {
	conflictType := in.Type
	if in.Schema.Financial {
		conflictType = models.ConflictPayment
	}

	if conflictType == models.ConflictPayment || conflictType == models.ConflictCreateCreate || in.Schema.IsCritical() {
		return manual(conflictType, fmt.Sprintf("%s conflicts on %s require manual resolution", conflictType, in.Schema.Type))
	}

	switch conflictType {
	case models.ConflictDeleteUpdate:
		return Decision{
			ConflictType: conflictType,
			Strategy:     r.strategyFor(in.Schema),
			Outcome:      OutcomeDeleted,
			Notes:        "deletion wins",
		}
	case models.ConflictUpdateUpdate:
		return r.updateUpdate(in, conflictType)
	default:
		return manual(conflictType, "unclassified conflict")
	}
}

func (r *Resolver) strategyFor(schema *entities.Schema) models.ResolutionStrategy {
	if schema.Strategy.Valid() {
		return schema.Strategy
	}
	return r.defaultStrategy
}

func (r *Resolver) updateUpdate(in Input, conflictType models.ConflictType) Decision {
	strategy := r.strategyFor(in.Schema)
	d := Decision{ConflictType: conflictType, Strategy: strategy}

	switch strategy {
	case models.StrategyCloudWins:
		d.Outcome = OutcomeUseCloud
	case models.StrategyLocalWins:
		d.Outcome = OutcomeUseLocal
	case models.StrategyLatestWins:
		outcome, ok := latest(in)
		if !ok {
			return manual(conflictType, "timestamps unavailable for latest_wins")
		}
		d.Outcome = outcome
	case models.StrategyMerge:
		d.Outcome = OutcomeMerged
		d.Merged = Merge(in)
	default:
		return manual(conflictType, "")
	}
	return d
}

// latest picks the side with the later timestamp. Ties go to the cloud so
// both sides reach the same answer.
func latest(in Input) (Outcome, bool) {
	lt, lok := in.Schema.Timestamp(in.Local)
	ct, cok := in.Schema.Timestamp(in.Cloud)
	if !lok || !cok {
		return "", false
	}
	if lt.After(ct) {
		return OutcomeUseLocal, true
	}
	return OutcomeUseCloud, true
}

func manual(conflictType models.ConflictType, notes string) Decision {
	return Decision{
		ConflictType:   conflictType,
		Strategy:       models.StrategyManual,
		Outcome:        OutcomePending,
		RequiresManual: true,
		Notes:          notes,
	}
}
