package models

import (
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update_update"
	ConflictDeleteUpdate ConflictType = "delete_update"
	ConflictCreateCreate ConflictType = "create_create"
	ConflictPayment      ConflictType = "payment"
	ConflictOther        ConflictType = "other"
)

type ResolutionStrategy string

const (
	StrategyCloudWins  ResolutionStrategy = "cloud_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyLatestWins ResolutionStrategy = "latest_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyCloudWins, StrategyLocalWins, StrategyLatestWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ManualResolution is the outcome chosen by a human for a pending conflict.
type ManualResolution string

const (
	ResolveUseLocal ManualResolution = "use_local"
	ResolveUseCloud ManualResolution = "use_cloud"
	ResolveMerge    ManualResolution = "merge"
)

type SyncConflict struct {
	ID                       uuid.UUID          `json:"id"`
	ConflictType             ConflictType       `json:"conflict_type"`
	EntityType               string             `json:"model_name"`
	EntityID                 uuid.UUID          `json:"object_id"`
	EventID                  *uuid.UUID         `json:"event_id,omitempty"`
	LocalVersion             Snapshot           `json:"local_version"`
	CloudVersion             Snapshot           `json:"cloud_version"`
	LocalDeleted             bool               `json:"local_deleted"`
	CloudDeleted             bool               `json:"cloud_deleted"`
	ResolutionStrategy       ResolutionStrategy `json:"resolution_strategy"`
	Resolved                 bool               `json:"resolved"`
	ResolvedAt               *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy               string             `json:"resolved_by,omitempty"`
	DetectedAt               time.Time          `json:"detected_at"`
	InstanceID               *uuid.UUID         `json:"instance_id,omitempty"`
	RequiresManualResolution bool               `json:"requires_manual_resolution"`
	Notes                    string             `json:"notes,omitempty"`
}

// Pending reports whether the conflict still waits for a manual decision.
func (c *SyncConflict) Pending() bool {
	return c.RequiresManualResolution && !c.Resolved
}
