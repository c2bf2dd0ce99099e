package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prudhvinik1/medsync/internal/models"
)

const conflictColumns = `c.id, c.conflict_type, c.entity_type, c.entity_id, c.event_id, c.local_version,
	c.cloud_version, c.local_deleted, c.cloud_deleted, c.resolution_strategy, c.resolved, c.resolved_at,
	c.resolved_by, c.detected_at, c.instance_id, c.requires_manual_resolution, c.notes`

type PostgresSyncConflictRepository struct {
	db DBTX
}

func NewPostgresSyncConflictRepository(db DBTX) *PostgresSyncConflictRepository {
	return &PostgresSyncConflictRepository{db: db}
}

func (r *PostgresSyncConflictRepository) Create(ctx context.Context, conflict *models.SyncConflict) error {
	query := `INSERT INTO sync_conflicts (id, conflict_type, entity_type, entity_id, event_id,
	              local_version, cloud_version, local_deleted, cloud_deleted, resolution_strategy,
	              resolved, resolved_at, resolved_by, detected_at, instance_id,
	              requires_manual_resolution, notes)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	if conflict.ID == uuid.Nil {
		conflict.ID = uuid.New()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, query,
		conflict.ID,
		string(conflict.ConflictType),
		conflict.EntityType,
		conflict.EntityID,
		conflict.EventID,
		conflict.LocalVersion,
		conflict.CloudVersion,
		conflict.LocalDeleted,
		conflict.CloudDeleted,
		string(conflict.ResolutionStrategy),
		conflict.Resolved,
		conflict.ResolvedAt,
		conflict.ResolvedBy,
		conflict.DetectedAt,
		conflict.InstanceID,
		conflict.RequiresManualResolution,
		conflict.Notes,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *PostgresSyncConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts c WHERE c.id = $1`

	conflict, err := scanConflict(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict by ID: %w", err)
	}
	return conflict, nil
}

func (r *PostgresSyncConflictRepository) List(ctx context.Context, filter ConflictFilter) ([]*models.SyncConflict, error) {
	var where []string
	var args []any

	if filter.InstanceID != nil {
		args = append(args, *filter.InstanceID)
		where = append(where, fmt.Sprintf("c.instance_id = $%d", len(args)))
	}
	if filter.OrganizationID != nil {
		args = append(args, *filter.OrganizationID)
		where = append(where, fmt.Sprintf("i.organization_id = $%d", len(args)))
	}
	if filter.PendingOnly {
		where = append(where, "c.resolved = FALSE")
	}

	query := `SELECT ` + conflictColumns + `
	          FROM sync_conflicts c
	          LEFT JOIN sync_instances i ON i.instance_id = c.instance_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

func (r *PostgresSyncConflictRepository) CountPending(ctx context.Context, instanceID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE instance_id = $1 AND resolved = FALSE`

	var count int
	if err := r.db.QueryRow(ctx, query, instanceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return count, nil
}

func (r *PostgresSyncConflictRepository) MarkResolved(ctx context.Context, conflict *models.SyncConflict) error {
	query := `UPDATE sync_conflicts
	          SET resolved = TRUE, resolved_at = $2, resolved_by = $3, resolution_strategy = $4, notes = $5
	          WHERE id = $1 AND resolved = FALSE`

	if conflict.ResolvedAt == nil {
		now := time.Now().UTC()
		conflict.ResolvedAt = &now
	}

	result, err := r.db.Exec(ctx, query,
		conflict.ID,
		conflict.ResolvedAt,
		conflict.ResolvedBy,
		string(conflict.ResolutionStrategy),
		conflict.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	conflict.Resolved = true
	return nil
}

func (r *PostgresSyncConflictRepository) ResolvePendingForEntity(ctx context.Context, entityType string, entityID uuid.UUID, resolvedBy string, at time.Time) (int, error) {
	query := `UPDATE sync_conflicts
	          SET resolved = TRUE, resolved_at = $3, resolved_by = $4
	          WHERE entity_type = $1 AND entity_id = $2 AND resolved = FALSE`

	result, err := r.db.Exec(ctx, query, entityType, entityID, at, resolvedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to close entity conflicts: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func scanConflict(row pgx.Row) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	var conflictType, strategy string
	err := row.Scan(
		&conflict.ID,
		&conflictType,
		&conflict.EntityType,
		&conflict.EntityID,
		&conflict.EventID,
		&conflict.LocalVersion,
		&conflict.CloudVersion,
		&conflict.LocalDeleted,
		&conflict.CloudDeleted,
		&strategy,
		&conflict.Resolved,
		&conflict.ResolvedAt,
		&conflict.ResolvedBy,
		&conflict.DetectedAt,
		&conflict.InstanceID,
		&conflict.RequiresManualResolution,
		&conflict.Notes,
	)
	if err != nil {
		return nil, err
	}
	conflict.ConflictType = models.ConflictType(conflictType)
	conflict.ResolutionStrategy = models.ResolutionStrategy(strategy)
	return &conflict, nil
}
