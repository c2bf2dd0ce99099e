package models

import (
	"time"

	"github.com/google/uuid"
)

type Presence struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	InstanceID     uuid.UUID `json:"instance_id"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusSyncing PresenceStatus = "syncing"
)
