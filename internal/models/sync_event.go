package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/canonical"
)

// ErrHashMismatch is returned when an event's data_hash does not match its snapshot
var ErrHashMismatch = errors.New("data hash does not match snapshot")

type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// SyncEvent is an immutable record of one entity mutation as seen by one instance.
// JSON tags follow the sync wire format; local bookkeeping columns are not sent.
type SyncEvent struct {
	ID                 uuid.UUID  `json:"id"`
	EntityType         string     `json:"model_name"`
	EntityID           uuid.UUID  `json:"object_id"`
	Kind               EventKind  `json:"event_type"`
	Timestamp          time.Time  `json:"timestamp"`
	OriginInstanceID   *uuid.UUID `json:"instance_id"`
	DataSnapshot       Snapshot   `json:"data_snapshot"`
	ChangedFields      []string   `json:"changed_fields"`
	DataHash           string     `json:"data_hash"`
	BaseHash           string     `json:"base_hash,omitempty"`
	ConflictResolution *string    `json:"conflict_resolution,omitempty"`
	ReceivedAt         time.Time  `json:"received_at,omitzero"`

	SyncedToCloud    bool       `json:"-"`
	SyncedAt         *time.Time `json:"-"`
	ConflictDetected bool       `json:"-"`
	Superseded       bool       `json:"-"`
}

// NewSyncEvent builds an event for a mutation and computes its data hash.
func NewSyncEvent(entityType string, entityID uuid.UUID, kind EventKind, snapshot Snapshot, origin *uuid.UUID) (*SyncEvent, error) {
	hash, err := canonical.Hash(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to hash snapshot: %w", err)
	}

	return &SyncEvent{
		ID:               uuid.New(),
		EntityType:       entityType,
		EntityID:         entityID,
		Kind:             kind,
		Timestamp:        time.Now().UTC(),
		OriginInstanceID: origin,
		DataSnapshot:     snapshot,
		DataHash:         hash,
	}, nil
}

// VerifyHash recomputes the snapshot hash and compares it with DataHash.
func (e *SyncEvent) VerifyHash() error {
	hash, err := canonical.Hash(e.DataSnapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	if hash != e.DataHash {
		return ErrHashMismatch
	}
	return nil
}

// IsAuthoritative reports whether the event carries the result of a conflict resolution.
func (e *SyncEvent) IsAuthoritative() bool {
	return e.ConflictResolution != nil && *e.ConflictResolution != ""
}

func (e *SyncEvent) OriginatedAt(instanceID uuid.UUID) bool {
	return e.OriginInstanceID != nil && *e.OriginInstanceID == instanceID
}
