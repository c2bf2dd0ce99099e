package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/medsync/internal/models"
)

const logColumns = `id, instance_id, direction, status, started_at, completed_at, records_pushed,
	records_pulled, conflicts_detected, errors_count, error_message, metadata`

type PostgresSyncLogRepository struct {
	db DBTX
}

func NewPostgresSyncLogRepository(db DBTX) *PostgresSyncLogRepository {
	return &PostgresSyncLogRepository{db: db}
}

func (r *PostgresSyncLogRepository) Create(ctx context.Context, log *models.SyncInstanceLog) error {
	query := `INSERT INTO sync_instance_logs (id, instance_id, direction, status, started_at, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	metadata := log.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err := r.db.Exec(ctx, query,
		log.ID,
		log.InstanceID,
		string(log.Direction),
		string(log.Status),
		log.StartedAt,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

func (r *PostgresSyncLogRepository) Finish(ctx context.Context, log *models.SyncInstanceLog) error {
	// completed_at IS NULL guards the finalize-once rule
	query := `UPDATE sync_instance_logs
	          SET status = $2, completed_at = $3, records_pushed = $4, records_pulled = $5,
	              conflicts_detected = $6, errors_count = $7, error_message = $8, metadata = $9
	          WHERE id = $1 AND completed_at IS NULL`

	if log.CompletedAt == nil {
		now := time.Now().UTC()
		log.CompletedAt = &now
	}
	metadata := log.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	result, err := r.db.Exec(ctx, query,
		log.ID,
		string(log.Status),
		log.CompletedAt,
		log.RecordsPushed,
		log.RecordsPulled,
		log.ConflictsDetected,
		log.ErrorsCount,
		log.ErrorMessage,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

func (r *PostgresSyncLogRepository) LastSuccessful(ctx context.Context, instanceID uuid.UUID, direction models.SyncDirection) (*models.SyncInstanceLog, error) {
	query := `SELECT ` + logColumns + `
	          FROM sync_instance_logs
	          WHERE instance_id = $1 AND direction = $2 AND status IN ('success', 'partial')
	          ORDER BY started_at DESC
	          LIMIT 1`

	log, err := scanLog(r.db.QueryRow(ctx, query, instanceID, string(direction)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync log: %w", err)
	}
	return log, nil
}

func (r *PostgresSyncLogRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID, limit int) ([]*models.SyncInstanceLog, error) {
	query := `SELECT ` + logColumns + `
	          FROM sync_instance_logs
	          WHERE instance_id = $1
	          ORDER BY started_at DESC
	          LIMIT $2`

	rows, err := r.db.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.SyncInstanceLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

func (r *PostgresSyncLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sync_instance_logs WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync logs: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanLog(row pgx.Row) (*models.SyncInstanceLog, error) {
	var log models.SyncInstanceLog
	var direction, status string
	err := row.Scan(
		&log.ID,
		&log.InstanceID,
		&direction,
		&status,
		&log.StartedAt,
		&log.CompletedAt,
		&log.RecordsPushed,
		&log.RecordsPulled,
		&log.ConflictsDetected,
		&log.ErrorsCount,
		&log.ErrorMessage,
		&log.Metadata,
	)
	if err != nil {
		return nil, err
	}
	log.Direction = models.SyncDirection(direction)
	log.Status = models.SyncStatus(status)
	return &log, nil
}
