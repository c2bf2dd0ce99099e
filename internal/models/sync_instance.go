package models

import (
	"time"

	"github.com/google/uuid"
)

const DefaultSyncInterval = 15 * time.Minute

type InstanceType string

const (
	InstanceHospital  InstanceType = "hospital"
	InstancePharmacy  InstanceType = "pharmacy"
	InstanceInsurance InstanceType = "insurance"
	InstanceLab       InstanceType = "lab"
	InstanceImaging   InstanceType = "imaging"
)

func (t InstanceType) Valid() bool {
	switch t {
	case InstanceHospital, InstancePharmacy, InstanceInsurance, InstanceLab, InstanceImaging:
		return true
	}
	return false
}

type SyncInstance struct {
	ID             uuid.UUID      `json:"instance_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	InstanceType   InstanceType   `json:"instance_type"`
	Name           string         `json:"name"`
	Platform       string         `json:"platform"`
	HardwareInfo   map[string]any `json:"hardware_info,omitempty"`
	APIKey         string         `json:"api_key"`
	APISecretHash  string         `json:"-"`
	IsActive       bool           `json:"is_active"`
	SyncEnabled    bool           `json:"sync_enabled"`
	SyncInterval   time.Duration  `json:"sync_interval"`
	RegisteredAt   time.Time      `json:"registered_at"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
	LastPullAt     *time.Time     `json:"last_pull_at,omitempty"`
}

// CanSync reports whether the instance is allowed to push or pull.
func (i *SyncInstance) CanSync() bool {
	return i.IsActive && i.SyncEnabled
}

// SyncDue reports whether a scheduled sync should run at now.
func (i *SyncInstance) SyncDue(now time.Time) bool {
	if !i.CanSync() {
		return false
	}
	if i.LastSyncAt == nil {
		return true
	}
	interval := i.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return now.Sub(*i.LastSyncAt) >= interval
}
