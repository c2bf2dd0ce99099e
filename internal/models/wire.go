package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxPullEvents caps the number of events returned by one pull call.
const MaxPullEvents = 1000

type PushRequest struct {
	Events []*SyncEvent `json:"events"`
}

type PushResponse struct {
	Status         SyncStatus       `json:"status"`
	SyncedEventIDs []uuid.UUID      `json:"synced_event_ids"`
	Conflicts      []ConflictReport `json:"conflicts"`
	Errors         []EventError     `json:"errors"`
}

// ConflictReport describes a conflict detected while applying a pushed event.
type ConflictReport struct {
	EventID                  uuid.UUID          `json:"event_id"`
	ConflictID               uuid.UUID          `json:"conflict_id"`
	ConflictType             ConflictType       `json:"conflict_type"`
	ModelName                string             `json:"model_name"`
	ObjectID                 uuid.UUID          `json:"object_id"`
	LocalVersion             Snapshot           `json:"local_version"`
	CloudVersion             Snapshot           `json:"cloud_version"`
	LocalDeleted             bool               `json:"local_deleted,omitempty"`
	CloudDeleted             bool               `json:"cloud_deleted,omitempty"`
	ResolutionStrategy       ResolutionStrategy `json:"resolution_strategy"`
	Resolved                 bool               `json:"resolved"`
	RequiresManualResolution bool               `json:"requires_manual_resolution"`
}

func NewConflictReport(eventID uuid.UUID, c *SyncConflict) ConflictReport {
	return ConflictReport{
		EventID:                  eventID,
		ConflictID:               c.ID,
		ConflictType:             c.ConflictType,
		ModelName:                c.EntityType,
		ObjectID:                 c.EntityID,
		LocalVersion:             c.LocalVersion,
		CloudVersion:             c.CloudVersion,
		LocalDeleted:             c.LocalDeleted,
		CloudDeleted:             c.CloudDeleted,
		ResolutionStrategy:       c.ResolutionStrategy,
		Resolved:                 c.Resolved,
		RequiresManualResolution: c.RequiresManualResolution,
	}
}

type EventError struct {
	EventID uuid.UUID `json:"event_id"`
	Error   string    `json:"error"`
}

type PullResponse struct {
	Status SyncStatus   `json:"status"`
	Events []*SyncEvent `json:"events"`
	Count  int          `json:"count"`
}

type StatusResponse struct {
	InstanceID            uuid.UUID  `json:"instance_id"`
	InstanceName          string     `json:"instance_name"`
	IsActive              bool       `json:"is_active"`
	SyncEnabled           bool       `json:"sync_enabled"`
	SyncIntervalSeconds   int        `json:"sync_interval_seconds"`
	LastSyncAt            *time.Time `json:"last_sync_at"`
	UnsyncedEventsCount   int        `json:"unsynced_events_count"`
	PendingConflictsCount int        `json:"pending_conflicts_count"`
	Presence              string     `json:"presence,omitempty"`
}

// Interval returns the scheduled sync interval the cloud assigned, or the
// default when the cloud did not send one.
func (r *StatusResponse) Interval() time.Duration {
	if r.SyncIntervalSeconds <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(r.SyncIntervalSeconds) * time.Second
}

type ResolveConflictRequest struct {
	Resolution ManualResolution `json:"resolution"`
	ResolvedBy string           `json:"resolved_by"`
	Notes      string           `json:"notes,omitempty"`
}

type ConflictListResponse struct {
	Conflicts []*SyncConflict `json:"conflicts"`
	Count     int             `json:"count"`
}
