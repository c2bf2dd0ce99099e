package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/canonical"
	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

const DefaultConflictListLimit = 100

var (
	ErrForbidden         = errors.New("conflict belongs to another organization")
	ErrInvalidResolution = errors.New("resolution must be use_local or use_cloud")
	ErrPrincipalRequired = errors.New("resolved_by is required")
)

// ConflictService lists conflicts and applies manual decisions on the cloud.
type ConflictService struct {
	store  repositories.Store
	writer *capture.Writer
	logger *slog.Logger
	now    func() time.Time
}

func NewConflictService(store repositories.Store, writer *capture.Writer, logger *slog.Logger) *ConflictService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictService{
		store:  store,
		writer: writer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConflictService) List(ctx context.Context, orgID uuid.UUID, pendingOnly bool, limit int) ([]*models.SyncConflict, error) {
	if limit <= 0 || limit > DefaultConflictListLimit {
		limit = DefaultConflictListLimit
	}
	conflicts, err := s.store.Conflicts().List(ctx, repositories.ConflictFilter{
		OrganizationID: &orgID,
		PendingOnly:    pendingOnly,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	if conflicts == nil {
		conflicts = []*models.SyncConflict{}
	}
	return conflicts, nil
}

// Resolve applies a human decision to a pending conflict. The chosen version
// becomes the cloud state and is recorded as an authoritative event so every
// instance converges on it.
func (s *ConflictService) Resolve(ctx context.Context, orgID, conflictID uuid.UUID, req models.ResolveConflictRequest) (*models.SyncConflict, *models.SyncEvent, error) {
	switch req.Resolution {
	case models.ResolveUseLocal, models.ResolveUseCloud:
	case models.ResolveMerge:
		return nil, nil, conflict.ErrMergeNotSupported
	default:
		return nil, nil, ErrInvalidResolution
	}
	if req.ResolvedBy == "" {
		return nil, nil, ErrPrincipalRequired
	}

	var (
		resolved *models.SyncConflict
		emitted  *models.SyncEvent
	)
	err := s.store.InTx(ctx, func(tx repositories.Store) error {
		c, err := tx.Conflicts().GetByID(ctx, conflictID)
		if err != nil {
			return err
		}
		if c.Resolved {
			return repositories.ErrAlreadyResolved
		}
		if err := s.authorize(ctx, tx, orgID, c); err != nil {
			return err
		}

		chosen, chosenDeleted := c.CloudVersion, c.CloudDeleted
		other, otherDeleted := c.LocalVersion, c.LocalDeleted
		if req.Resolution == models.ResolveUseLocal {
			chosen, chosenDeleted, other, otherDeleted = other, otherDeleted, chosen, chosenDeleted
		}

		baseHash, err := snapshotState(other, otherDeleted)
		if err != nil {
			return err
		}
		actx := capture.ApplyContext{
			Resolution:    string(req.Resolution),
			BaseHash:      baseHash,
			KeepTimestamp: true,
		}

		emitted, err = s.write(ctx, tx, actx, c.EntityType, c.EntityID, chosen, chosenDeleted)
		if err != nil {
			return err
		}

		at := s.now()
		c.ResolvedAt = &at
		c.ResolvedBy = req.ResolvedBy
		c.ResolutionStrategy = models.StrategyManual
		c.Notes = req.Notes
		if err := tx.Conflicts().MarkResolved(ctx, c); err != nil {
			return err
		}
		if _, err := tx.Conflicts().ResolvePendingForEntity(ctx, c.EntityType, c.EntityID, req.ResolvedBy, at); err != nil {
			return fmt.Errorf("failed to close related conflicts: %w", err)
		}
		resolved = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("conflict resolved",
		"conflict_id", resolved.ID,
		"entity_type", resolved.EntityType,
		"entity_id", resolved.EntityID,
		"resolution", req.Resolution,
		"resolved_by", req.ResolvedBy,
	)
	return resolved, emitted, nil
}

func (s *ConflictService) authorize(ctx context.Context, tx repositories.Store, orgID uuid.UUID, c *models.SyncConflict) error {
	if c.InstanceID == nil {
		return ErrForbidden
	}
	instance, err := tx.Instances().GetByID(ctx, *c.InstanceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if instance.OrganizationID != orgID {
		return ErrForbidden
	}
	return nil
}

// write makes the chosen version current and returns the event announcing it.
func (s *ConflictService) write(ctx context.Context, tx repositories.Store, actx capture.ApplyContext, entityType string, id uuid.UUID, snapshot models.Snapshot, deleted bool) (*models.SyncEvent, error) {
	w := s.writer.WithStore(tx)

	current, err := tx.Records().Get(ctx, entityType, id)
	if errors.Is(err, repositories.ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	want, err := snapshotState(snapshot, deleted)
	if err != nil {
		return nil, err
	}

	if want == current.StateHash() {
		kind := models.EventUpdate
		if deleted {
			kind = models.EventDelete
		}
		return w.Announce(ctx, actx, kind, entityType, id, snapshot)
	}

	var res *capture.Result
	switch {
	case deleted && (current == nil || current.IsDeleted()):
		return w.Announce(ctx, actx, models.EventDelete, entityType, id, snapshot)
	case deleted:
		res, err = w.Delete(ctx, actx, entityType, id)
	case current == nil:
		res, err = w.Create(ctx, actx, entityType, id, snapshot)
	default:
		res, err = w.Update(ctx, actx, entityType, id, snapshot)
	}
	if err != nil {
		return nil, err
	}
	return res.Event, nil
}

func snapshotState(snapshot models.Snapshot, deleted bool) (string, error) {
	if deleted {
		return models.TombstoneHash, nil
	}
	hash, err := canonical.Hash(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to hash snapshot: %w", err)
	}
	return hash, nil
}
