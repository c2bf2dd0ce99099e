package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prudhvinik1/medsync/internal/models"
)

const eventColumns = `id, entity_type, entity_id, event_kind, event_timestamp, origin_instance_id,
	data_snapshot, changed_fields, data_hash, base_hash, synced_to_cloud, synced_at,
	conflict_detected, conflict_resolution, superseded, received_at`

type PostgresSyncEventRepository struct {
	db DBTX
}

func NewPostgresSyncEventRepository(db DBTX) *PostgresSyncEventRepository {
	return &PostgresSyncEventRepository{db: db}
}

// Append inserts an event. The event log is append-only; a duplicate id is ErrAlreadyExists.
func (r *PostgresSyncEventRepository) Append(ctx context.Context, event *models.SyncEvent) error {
	query := `INSERT INTO sync_events (id, entity_type, entity_id, event_kind, event_timestamp,
	              origin_instance_id, data_snapshot, changed_fields, data_hash, base_hash,
	              synced_to_cloud, synced_at, conflict_detected, conflict_resolution, superseded)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	          RETURNING received_at`

	changed := event.ChangedFields
	if changed == nil {
		changed = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		event.ID,
		event.EntityType,
		event.EntityID,
		string(event.Kind),
		event.Timestamp,
		event.OriginInstanceID,
		event.DataSnapshot,
		changed,
		event.DataHash,
		event.BaseHash,
		event.SyncedToCloud,
		event.SyncedAt,
		event.ConflictDetected,
		event.ConflictResolution,
		event.Superseded,
	).Scan(&event.ReceivedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *PostgresSyncEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_events WHERE id = $1`

	event, err := scanEvent(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event by ID: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

func (r *PostgresSyncEventRepository) ListUnsynced(ctx context.Context, origin uuid.UUID, limit int) ([]*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + `
	          FROM sync_events
	          WHERE origin_instance_id = $1 AND synced_to_cloud = FALSE
	          ORDER BY event_timestamp ASC, received_at ASC
	          LIMIT $2`

	return r.list(ctx, query, origin, limit)
}

// MarkSynced flips synced_to_cloud for exactly the given ids.
func (r *PostgresSyncEventRepository) MarkSynced(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `UPDATE sync_events
	          SET synced_to_cloud = TRUE, synced_at = $2
	          WHERE id = ANY($1::uuid[]) AND synced_to_cloud = FALSE`

	result, err := r.db.Exec(ctx, query, uuidStrings(ids), at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events synced: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *PostgresSyncEventRepository) ListSince(ctx context.Context, since, until time.Time, exclude uuid.UUID, limit int) ([]*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + `
	          FROM sync_events
	          WHERE received_at > $1 AND received_at <= $2
	            AND origin_instance_id IS DISTINCT FROM $3
	            AND superseded = FALSE
	          ORDER BY received_at ASC, id ASC
	          LIMIT $4`

	return r.list(ctx, query, since, until, exclude, limit)
}

func (r *PostgresSyncEventRepository) CountSince(ctx context.Context, since time.Time, exclude uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM sync_events
	          WHERE received_at > $1
	            AND origin_instance_id IS DISTINCT FROM $2
	            AND superseded = FALSE`

	var count int
	if err := r.db.QueryRow(ctx, query, since, exclude).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (r *PostgresSyncEventRepository) HasUnsynced(ctx context.Context, entityType string, entityID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (
	              SELECT 1 FROM sync_events
	              WHERE entity_type = $1 AND entity_id = $2 AND synced_to_cloud = FALSE)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, entityType, entityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check unsynced events: %w", err)
	}
	return exists, nil
}

func (r *PostgresSyncEventRepository) FindByHash(ctx context.Context, entityType string, entityID uuid.UUID, hash string) (*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + `
	          FROM sync_events
	          WHERE entity_type = $1 AND entity_id = $2 AND data_hash = $3
	          ORDER BY received_at DESC
	          LIMIT 1`

	event, err := scanEvent(r.db.QueryRow(ctx, query, entityType, entityID, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event by hash: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) Latest(ctx context.Context, entityType string, entityID uuid.UUID) (*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + `
	          FROM sync_events
	          WHERE entity_type = $1 AND entity_id = $2 AND superseded = FALSE
	          ORDER BY received_at DESC
	          LIMIT 1`

	event, err := scanEvent(r.db.QueryRow(ctx, query, entityType, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest event: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) MarkConflict(ctx context.Context, id uuid.UUID, resolution string) error {
	query := `UPDATE sync_events
	          SET conflict_detected = TRUE, conflict_resolution = NULLIF($2, '')
	          WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, resolution)
	if err != nil {
		return fmt.Errorf("failed to mark event conflict: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSyncedBefore removes replicated events older than before. Unsynced events are kept.
func (r *PostgresSyncEventRepository) DeleteSyncedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sync_events
	          WHERE synced_to_cloud = TRUE AND event_timestamp < $1`

	result, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced events: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresSyncEventRepository) list(ctx context.Context, query string, args ...any) ([]*models.SyncEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func scanEvent(row pgx.Row) (*models.SyncEvent, error) {
	var event models.SyncEvent
	var kind string
	err := row.Scan(
		&event.ID,
		&event.EntityType,
		&event.EntityID,
		&kind,
		&event.Timestamp,
		&event.OriginInstanceID,
		&event.DataSnapshot,
		&event.ChangedFields,
		&event.DataHash,
		&event.BaseHash,
		&event.SyncedToCloud,
		&event.SyncedAt,
		&event.ConflictDetected,
		&event.ConflictResolution,
		&event.Superseded,
		&event.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Kind = models.EventKind(kind)
	return &event, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
