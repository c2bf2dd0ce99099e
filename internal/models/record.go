package models

import (
	"time"

	"github.com/google/uuid"
)

// Record is the stored state of one syncable entity.
type Record struct {
	EntityType string     `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	Data       Snapshot   `json:"data"`
	DataHash   string     `json:"data_hash"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// TombstoneHash stands in for the state hash of a deleted record.
const TombstoneHash = "tombstone"

// StateHash identifies the current state of the record for base-hash comparison.
// A missing record has an empty state hash.
func (r *Record) StateHash() string {
	switch {
	case r == nil:
		return ""
	case r.IsDeleted():
		return TombstoneHash
	default:
		return r.DataHash
	}
}
