package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyFinalized = errors.New("sync log already finalized")
	ErrAlreadyResolved  = errors.New("conflict already resolved")
)

// Store groups the sync repositories behind a single transactional boundary.
type Store interface {
	Events() SyncEventRepository
	Instances() SyncInstanceRepository
	Logs() SyncLogRepository
	Conflicts() SyncConflictRepository
	Records() RecordRepository
	// InTx runs fn in one transaction. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}

type SyncEventRepository interface {
	Append(ctx context.Context, event *models.SyncEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// ListUnsynced returns events created by origin that were never acknowledged, oldest first.
	ListUnsynced(ctx context.Context, origin uuid.UUID, limit int) ([]*models.SyncEvent, error)
	MarkSynced(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	// ListSince returns applied events received after since and no later than until,
	// excluding events that originated at exclude, ordered by receipt.
	ListSince(ctx context.Context, since, until time.Time, exclude uuid.UUID, limit int) ([]*models.SyncEvent, error)
	CountSince(ctx context.Context, since time.Time, exclude uuid.UUID) (int, error)
	HasUnsynced(ctx context.Context, entityType string, entityID uuid.UUID) (bool, error)
	// FindByHash returns the most recent event for the entity whose snapshot has the given hash.
	FindByHash(ctx context.Context, entityType string, entityID uuid.UUID, hash string) (*models.SyncEvent, error)
	// Latest returns the most recent event for the entity that was not superseded.
	Latest(ctx context.Context, entityType string, entityID uuid.UUID) (*models.SyncEvent, error)
	MarkConflict(ctx context.Context, id uuid.UUID, resolution string) error
	DeleteSyncedBefore(ctx context.Context, before time.Time) (int64, error)
}

type SyncInstanceRepository interface {
	Create(ctx context.Context, instance *models.SyncInstance) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncInstance, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*models.SyncInstance, error)
	ListSyncable(ctx context.Context) ([]*models.SyncInstance, error)
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.SyncInstance, error)
	TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchLastPull(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateSecret(ctx context.Context, id uuid.UUID, secretHash string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateSettings(ctx context.Context, id uuid.UUID, isActive, syncEnabled bool, interval time.Duration) error
}

type SyncLogRepository interface {
	Create(ctx context.Context, log *models.SyncInstanceLog) error
	// Finish writes the final counters and status. A log can be finished once.
	Finish(ctx context.Context, log *models.SyncInstanceLog) error
	LastSuccessful(ctx context.Context, instanceID uuid.UUID, direction models.SyncDirection) (*models.SyncInstanceLog, error)
	ListByInstance(ctx context.Context, instanceID uuid.UUID, limit int) ([]*models.SyncInstanceLog, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type ConflictFilter struct {
	InstanceID     *uuid.UUID
	OrganizationID *uuid.UUID
	PendingOnly    bool
	Limit          int
}

type SyncConflictRepository interface {
	Create(ctx context.Context, conflict *models.SyncConflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error)
	List(ctx context.Context, filter ConflictFilter) ([]*models.SyncConflict, error)
	CountPending(ctx context.Context, instanceID uuid.UUID) (int, error)
	MarkResolved(ctx context.Context, conflict *models.SyncConflict) error
	// ResolvePendingForEntity closes every open conflict of the entity and returns how many were closed.
	ResolvePendingForEntity(ctx context.Context, entityType string, entityID uuid.UUID, resolvedBy string, at time.Time) (int, error)
}

type RecordRepository interface {
	entities.RecordStore
	List(ctx context.Context, entityType string, includeDeleted bool) ([]*models.Record, error)
}

type TokenRepository interface {
	Create(ctx context.Context, token *models.InstanceToken) error
	GetByID(ctx context.Context, id string) (*models.InstanceToken, error)
	ListByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]*models.InstanceToken, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForInstance(ctx context.Context, instanceID uuid.UUID) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, instanceID uuid.UUID) (*models.Presence, error)
	DeletePresence(ctx context.Context, instanceID uuid.UUID) error
	GetBulkPresence(ctx context.Context, instanceIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error)
}
