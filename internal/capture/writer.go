// Package capture records a SyncEvent for every mutation of a syncable entity.
// All entity writes go through Writer so no mutation can skip the event log.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

// ApplyContext carries per-write capture options through the call chain.
type ApplyContext struct {
	// SuppressCapture persists the state without emitting an event. Used when
	// applying state that already arrived as an event.
	SuppressCapture bool
	// Resolution marks the emitted event as the outcome of a conflict resolution.
	Resolution string
	// BaseHash overrides the base state hash recorded on the event.
	BaseHash string
	// Origin overrides the writer's origin instance.
	Origin *uuid.UUID
	// KeepTimestamp leaves the entity's timestamp fields untouched.
	KeepTimestamp bool
}

// Result is the stored record and the event emitted for it, if any.
type Result struct {
	Record *models.Record
	Event  *models.SyncEvent
}

type Writer struct {
	store    repositories.Store
	registry *entities.Registry
	origin   *uuid.UUID
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter creates a writer. origin is the local instance id, or nil on the cloud.
func NewWriter(store repositories.Store, registry *entities.Registry, origin *uuid.UUID, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:    store,
		registry: registry,
		origin:   origin,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithStore returns a writer bound to store, typically an open transaction.
func (w *Writer) WithStore(store repositories.Store) *Writer {
	c := *w
	c.store = store
	return &c
}

func (w *Writer) Create(ctx context.Context, actx ApplyContext, entityType string, id uuid.UUID, snapshot models.Snapshot) (*Result, error) {
	h, err := w.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	snap := snapshot.Clone()
	if snap == nil {
		snap = models.Snapshot{}
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	if !actx.SuppressCapture {
		snap["id"] = id.String()
		if !actx.KeepTimestamp {
			w.stamp(h.Schema(), snap, true)
		}
	}

	res := &Result{}
	err = w.store.InTx(ctx, func(tx repositories.Store) error {
		record, err := h.ApplyCreate(ctx, tx.Records(), id, snap)
		if err != nil {
			return err
		}
		res.Record = record

		if actx.SuppressCapture {
			return nil
		}
		res.Event, err = w.capture(ctx, tx, actx, models.EventCreate, record.EntityType, id, record.Data, nil, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Update replaces the full state of an existing entity. A soft-deleted entity is restored.
func (w *Writer) Update(ctx context.Context, actx ApplyContext, entityType string, id uuid.UUID, snapshot models.Snapshot) (*Result, error) {
	h, err := w.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	snap := snapshot.Clone()
	if snap == nil {
		snap = models.Snapshot{}
	}
	stamped := !actx.SuppressCapture && !actx.KeepTimestamp
	if !actx.SuppressCapture {
		snap["id"] = id.String()
	}
	if stamped {
		w.stamp(h.Schema(), snap, false)
	}

	res := &Result{}
	err = w.store.InTx(ctx, func(tx repositories.Store) error {
		prev, err := tx.Records().Get(ctx, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to load %s %s: %w", entityType, id, err)
		}
		if _, ok := h.Schema().Fields["created_at"]; ok && stamped && snap["created_at"] == nil && prev.Data["created_at"] != nil {
			snap["created_at"] = prev.Data["created_at"]
		}

		record, err := h.ApplyUpdate(ctx, tx.Records(), id, snap)
		if err != nil {
			return err
		}
		res.Record = record

		if actx.SuppressCapture {
			return nil
		}
		res.Event, err = w.capture(ctx, tx, actx, models.EventUpdate, entityType, id, record.Data, prev.Data, prev.StateHash())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Delete removes an entity, softly when its schema allows it. The event carries
// the state the entity had right before deletion.
func (w *Writer) Delete(ctx context.Context, actx ApplyContext, entityType string, id uuid.UUID) (*Result, error) {
	h, err := w.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	err = w.store.InTx(ctx, func(tx repositories.Store) error {
		prev, err := tx.Records().Get(ctx, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to load %s %s: %w", entityType, id, err)
		}
		if prev.IsDeleted() {
			return fmt.Errorf("%s %s: %w", entityType, id, repositories.ErrNotFound)
		}

		if err := h.ApplyDelete(ctx, tx.Records(), id); err != nil {
			return err
		}
		res.Record = prev

		if actx.SuppressCapture {
			return nil
		}
		res.Event, err = w.capture(ctx, tx, actx, models.EventDelete, entityType, id, prev.Data, nil, prev.StateHash())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Announce appends an event for state that is already stored, without touching the record.
func (w *Writer) Announce(ctx context.Context, actx ApplyContext, kind models.EventKind, entityType string, id uuid.UUID, snapshot models.Snapshot) (*models.SyncEvent, error) {
	var event *models.SyncEvent
	err := w.store.InTx(ctx, func(tx repositories.Store) error {
		var err error
		event, err = w.capture(ctx, tx, actx, kind, entityType, id, snapshot, nil, "")
		return err
	})
	return event, err
}

// capture appends the event for a mutation. Failing to build the event is logged
// and swallowed so the business write still commits; failing to store it is not.
func (w *Writer) capture(ctx context.Context, tx repositories.Store, actx ApplyContext, kind models.EventKind, entityType string, id uuid.UUID, snapshot, prev models.Snapshot, baseHash string) (*models.SyncEvent, error) {
	origin := w.origin
	if actx.Origin != nil {
		origin = actx.Origin
	}

	event, err := models.NewSyncEvent(entityType, id, kind, snapshot.Clone(), origin)
	if err != nil {
		w.logger.Error("failed to capture sync event",
			"entity_type", entityType,
			"entity_id", id,
			"event_type", kind,
			"replication_gap", true,
			"error", err,
		)
		return nil, nil
	}

	event.ChangedFields = []string{}
	if kind == models.EventUpdate && prev != nil {
		event.ChangedFields = snapshot.ChangedFields(prev)
		if event.ChangedFields == nil {
			event.ChangedFields = []string{}
		}
	}

	event.BaseHash = baseHash
	if actx.BaseHash != "" {
		event.BaseHash = actx.BaseHash
	}
	if actx.Resolution != "" {
		resolution := actx.Resolution
		event.ConflictResolution = &resolution
	}
	// Events authored by the cloud never need to be pushed.
	if origin == nil {
		at := event.Timestamp
		event.SyncedToCloud = true
		event.SyncedAt = &at
	}

	if err := tx.Events().Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append sync event: %w", err)
	}

	w.logger.Debug("captured sync event",
		"event_id", event.ID,
		"entity_type", entityType,
		"entity_id", id,
		"event_type", kind,
	)
	return event, nil
}

func (w *Writer) stamp(schema *entities.Schema, snap models.Snapshot, created bool) {
	now := w.now()
	schema.Stamp(snap, now)
	if _, ok := schema.Fields["created_at"]; ok && created && snap["created_at"] == nil {
		snap["created_at"] = now.Format(time.RFC3339Nano)
	}
}
