package models

import (
	"time"

	"github.com/google/uuid"
)

// InstanceToken is the server-side record of an issued instance JWT, keyed by its jti.
type InstanceToken struct {
	ID             string    `json:"id"`
	InstanceID     uuid.UUID `json:"instance_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
