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
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

var (
	ErrHashMismatch = models.ErrHashMismatch
	ErrInvalidEvent = errors.New("invalid sync event")
)

// IsPermanent reports whether applying the event can never succeed, so
// retrying it later is pointless.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, entities.ErrUnknownEntityType) ||
		errors.Is(err, entities.ErrInvalidSnapshot)
}

// Side tells an Applier which end of the sync link it runs on.
type Side int

const (
	SideCloud Side = iota
	SideLocal
)

type ApplyResult struct {
	// Duplicate is set when the event id was already stored.
	Duplicate bool
	// Applied is set when the incoming state became the current state.
	Applied  bool
	Conflict *models.SyncConflict
	// Emitted is the authoritative event the cloud recorded after a resolution
	// that kept a state other than the incoming one.
	Emitted *models.SyncEvent
}

// Applier applies remote events to the local store. The cloud uses it for
// pushed events and instances use it for pulled events.
type Applier struct {
	store    repositories.Store
	registry *entities.Registry
	resolver *conflict.Resolver
	writer   *capture.Writer
	side     Side
	logger   *slog.Logger
	now      func() time.Time
}

func NewApplier(
	store repositories.Store,
	registry *entities.Registry,
	resolver *conflict.Resolver,
	writer *capture.Writer,
	side Side,
	logger *slog.Logger,
) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		store:    store,
		registry: registry,
		resolver: resolver,
		writer:   writer,
		side:     side,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply applies one event in its own transaction. instanceID is the instance
// the event is exchanged with, recorded on any conflict.
func (a *Applier) Apply(ctx context.Context, event *models.SyncEvent, instanceID uuid.UUID) (*ApplyResult, error) {
	if event == nil || event.ID == uuid.Nil || event.EntityID == uuid.Nil || !event.Kind.Valid() {
		return nil, ErrInvalidEvent
	}
	if err := event.VerifyHash(); err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}

	h, err := a.registry.Lookup(event.EntityType)
	if err != nil {
		return nil, err
	}
	if err := h.Schema().Validate(event.DataSnapshot); err != nil {
		return nil, err
	}

	res := &ApplyResult{}
	err = a.store.InTx(ctx, func(tx repositories.Store) error {
		exists, err := tx.Events().Exists(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("failed to check event: %w", err)
		}
		if exists {
			res.Duplicate = true
			return nil
		}
		return a.apply(ctx, tx, h, event, instanceID, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Applier) apply(ctx context.Context, tx repositories.Store, h entities.Handler, event *models.SyncEvent, instanceID uuid.UUID, res *ApplyResult) error {
	current, err := tx.Records().Get(ctx, event.EntityType, event.EntityID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to load record: %w", err)
	}
	if errors.Is(err, repositories.ErrNotFound) {
		current = nil
	}

	stored := a.received(event)
	incomingDeleted := event.Kind == models.EventDelete
	if current == nil && !incomingDeleted && event.Kind != models.EventCreate && event.BaseHash != "" {
		current, err = a.tombstone(ctx, tx, event.EntityType, event.EntityID)
		if err != nil {
			return err
		}
	}

	unsynced := false
	if a.side == SideLocal {
		unsynced, err = tx.Events().HasUnsynced(ctx, event.EntityType, event.EntityID)
		if err != nil {
			return fmt.Errorf("failed to check local changes: %w", err)
		}
	}

	incomingHash := stateHash(event.DataHash, incomingDeleted)
	currentHash := current.StateHash()
	w := a.writer.WithStore(tx)

	switch {
	case a.authoritative(event) && !unsynced:
		if incomingHash != currentHash {
			if err := a.setState(ctx, w, event.EntityType, event.EntityID, event.DataSnapshot, incomingDeleted, current); err != nil {
				return err
			}
		}
		if _, err := tx.Conflicts().ResolvePendingForEntity(ctx, event.EntityType, event.EntityID, conflict.SystemPrincipal, a.now()); err != nil {
			return fmt.Errorf("failed to close conflicts: %w", err)
		}
		res.Applied = true

	case incomingHash == currentHash:

	case current == nil:
		if !incomingDeleted {
			if err := a.setState(ctx, w, event.EntityType, event.EntityID, event.DataSnapshot, false, nil); err != nil {
				return err
			}
			res.Applied = true
		}

	case event.Kind != models.EventCreate && event.BaseHash != "" && event.BaseHash == currentHash,
		event.Kind != models.EventCreate && event.BaseHash == "" && !unsynced,
		event.Kind == models.EventCreate && current.IsDeleted() && !unsynced:
		if err := a.setState(ctx, w, event.EntityType, event.EntityID, event.DataSnapshot, incomingDeleted, current); err != nil {
			return err
		}
		res.Applied = true

	default:
		if err := a.resolve(ctx, tx, w, h, event, stored, current, instanceID, res); err != nil {
			return err
		}
	}

	if err := tx.Events().Append(ctx, stored); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	// Announced after the incoming event so receipt order matches causality.
	if res.Emitted != nil {
		emitted, err := w.Announce(ctx, capture.ApplyContext{
			Resolution: *res.Emitted.ConflictResolution,
			BaseHash:   res.Emitted.BaseHash,
		}, res.Emitted.Kind, event.EntityType, event.EntityID, res.Emitted.DataSnapshot)
		if err != nil {
			return err
		}
		res.Emitted = emitted
	}

	a.logger.Debug("applied sync event",
		"event_id", event.ID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"applied", res.Applied,
		"conflict", res.Conflict != nil,
	)
	return nil
}

// tombstone stands in for a hard-deleted entity so a stale update made before
// the deletion is resolved as a delete/update conflict instead of recreating it.
// It returns nil when the entity's last state was not a deletion.
func (a *Applier) tombstone(ctx context.Context, tx repositories.Store, entityType string, id uuid.UUID) (*models.Record, error) {
	last, err := tx.Events().Latest(ctx, entityType, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest event: %w", err)
	}
	if last.Kind != models.EventDelete {
		return nil, nil
	}
	deletedAt := last.ReceivedAt
	return &models.Record{
		EntityType: entityType,
		EntityID:   id,
		Data:       last.DataSnapshot,
		DataHash:   last.DataHash,
		DeletedAt:  &deletedAt,
	}, nil
}

// authoritative reports whether the event must be applied as the outcome of a
// resolution. The cloud only trusts resolutions it authored itself.
func (a *Applier) authoritative(event *models.SyncEvent) bool {
	if !event.IsAuthoritative() {
		return false
	}
	return a.side == SideLocal || event.OriginInstanceID == nil
}

func (a *Applier) resolve(
	ctx context.Context,
	tx repositories.Store,
	w *capture.Writer,
	h entities.Handler,
	event, stored *models.SyncEvent,
	current *models.Record,
	instanceID uuid.UUID,
	res *ApplyResult,
) error {
	incomingDeleted := event.Kind == models.EventDelete

	conflictType := models.ConflictUpdateUpdate
	switch {
	case event.Kind == models.EventCreate && !current.IsDeleted():
		conflictType = models.ConflictCreateCreate
	case incomingDeleted != current.IsDeleted():
		conflictType = models.ConflictDeleteUpdate
	}

	base, err := a.base(ctx, tx, event)
	if err != nil {
		return err
	}
	currentChanged, err := a.changedHints(ctx, tx, current)
	if err != nil {
		return err
	}

	in := conflict.Input{
		Schema:   h.Schema(),
		EntityID: event.EntityID,
		Type:     conflictType,
		Base:     base,
	}
	if a.side == SideCloud {
		in.Local, in.LocalDeleted, in.LocalChanged = event.DataSnapshot, incomingDeleted, event.ChangedFields
		in.Cloud, in.CloudDeleted, in.CloudChanged = current.Data, current.IsDeleted(), currentChanged
	} else {
		in.Local, in.LocalDeleted, in.LocalChanged = current.Data, current.IsDeleted(), currentChanged
		in.Cloud, in.CloudDeleted, in.CloudChanged = event.DataSnapshot, incomingDeleted, event.ChangedFields
	}

	d := a.resolver.Resolve(in)
	c := d.Conflict(in, &instanceID, &event.ID, a.now())
	if err := tx.Conflicts().Create(ctx, c); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	res.Conflict = c
	stored.ConflictDetected = true

	final, finalDeleted, ok := d.State(in)
	if !ok {
		stored.Superseded = true
		return nil
	}

	finalHash, err := canonical.Hash(final)
	if err != nil {
		return fmt.Errorf("failed to hash resolved state: %w", err)
	}
	finalHash = stateHash(finalHash, finalDeleted)
	resolution := string(d.Strategy)

	if finalHash == stateHash(event.DataHash, incomingDeleted) {
		if err := a.setState(ctx, w, event.EntityType, event.EntityID, event.DataSnapshot, incomingDeleted, current); err != nil {
			return err
		}
		stored.ConflictResolution = &resolution
		res.Applied = true
		return nil
	}

	stored.Superseded = true
	if finalHash != current.StateHash() {
		if err := a.setState(ctx, w, event.EntityType, event.EntityID, final, finalDeleted, current); err != nil {
			return err
		}
	}

	if a.side == SideCloud {
		kind := models.EventUpdate
		if finalDeleted {
			kind = models.EventDelete
		}
		res.Emitted = &models.SyncEvent{
			Kind:               kind,
			DataSnapshot:       final,
			BaseHash:           stateHash(event.DataHash, incomingDeleted),
			ConflictResolution: &resolution,
		}
	}
	return nil
}

// base finds the snapshot the incoming change was made against.
func (a *Applier) base(ctx context.Context, tx repositories.Store, event *models.SyncEvent) (models.Snapshot, error) {
	if event.BaseHash == "" || event.BaseHash == models.TombstoneHash {
		return nil, nil
	}
	prev, err := tx.Events().FindByHash(ctx, event.EntityType, event.EntityID, event.BaseHash)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find base state: %w", err)
	}
	return prev.DataSnapshot, nil
}

func (a *Applier) changedHints(ctx context.Context, tx repositories.Store, current *models.Record) ([]string, error) {
	prev, err := tx.Events().FindByHash(ctx, current.EntityType, current.EntityID, current.DataHash)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find current state event: %w", err)
	}
	return prev.ChangedFields, nil
}

// setState writes a state that is already described by an event, so nothing is captured.
func (a *Applier) setState(ctx context.Context, w *capture.Writer, entityType string, id uuid.UUID, snapshot models.Snapshot, deleted bool, current *models.Record) error {
	actx := capture.ApplyContext{SuppressCapture: true}

	var err error
	switch {
	case deleted && (current == nil || current.IsDeleted()):
		return nil
	case deleted:
		_, err = w.Delete(ctx, actx, entityType, id)
	case current == nil:
		_, err = w.Create(ctx, actx, entityType, id, snapshot)
	default:
		_, err = w.Update(ctx, actx, entityType, id, snapshot)
		// A hard-deleted entity has no row left to update.
		if errors.Is(err, repositories.ErrNotFound) && current.IsDeleted() {
			_, err = w.Create(ctx, actx, entityType, id, snapshot)
		}
	}
	return err
}

// received copies an incoming event into the form it is stored in locally.
func (a *Applier) received(event *models.SyncEvent) *models.SyncEvent {
	stored := *event
	stored.DataSnapshot = event.DataSnapshot.Clone()
	stored.ChangedFields = append([]string{}, event.ChangedFields...)
	if event.ConflictResolution != nil {
		resolution := *event.ConflictResolution
		stored.ConflictResolution = &resolution
	}
	at := a.now()
	stored.SyncedToCloud = true
	stored.SyncedAt = &at
	stored.ConflictDetected = false
	stored.Superseded = false
	return &stored
}

func stateHash(dataHash string, deleted bool) string {
	if deleted {
		return models.TombstoneHash
	}
	return dataHash
}
