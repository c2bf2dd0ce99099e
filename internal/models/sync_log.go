package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncDirection string

const (
	DirectionPush SyncDirection = "push"
	DirectionPull SyncDirection = "pull"
)

type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusSuccess    SyncStatus = "success"
	StatusPartial    SyncStatus = "partial"
	StatusFailed     SyncStatus = "failed"
)

// SyncInstanceLog is the audit row for one push or pull attempt.
type SyncInstanceLog struct {
	ID                uuid.UUID      `json:"id"`
	InstanceID        uuid.UUID      `json:"instance_id"`
	Direction         SyncDirection  `json:"direction"`
	Status            SyncStatus     `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	RecordsPushed     int            `json:"records_pushed"`
	RecordsPulled     int            `json:"records_pulled"`
	ConflictsDetected int            `json:"conflicts_detected"`
	ErrorsCount       int            `json:"errors_count"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func NewSyncInstanceLog(instanceID uuid.UUID, direction SyncDirection) *SyncInstanceLog {
	return &SyncInstanceLog{
		ID:         uuid.New(),
		InstanceID: instanceID,
		Direction:  direction,
		Status:     StatusInProgress,
		StartedAt:  time.Now().UTC(),
		Metadata:   map[string]any{},
	}
}

// OutcomeStatus maps per-event results of an attempt onto a log status.
func OutcomeStatus(succeeded, failed int) SyncStatus {
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
