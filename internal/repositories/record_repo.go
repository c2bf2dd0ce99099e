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

type PostgresRecordRepository struct {
	db DBTX
}

func NewPostgresRecordRepository(db DBTX) *PostgresRecordRepository {
	return &PostgresRecordRepository{db: db}
}

// Get returns the record including soft-deleted ones; callers check IsDeleted.
func (r *PostgresRecordRepository) Get(ctx context.Context, entityType string, id uuid.UUID) (*models.Record, error) {
	query := `SELECT entity_type, entity_id, data, data_hash, created_at, updated_at, deleted_at
	          FROM sync_records
	          WHERE entity_type = $1 AND entity_id = $2`

	record, err := scanRecord(r.db.QueryRow(ctx, query, entityType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

func (r *PostgresRecordRepository) Insert(ctx context.Context, record *models.Record) error {
	query := `INSERT INTO sync_records (entity_type, entity_id, data, data_hash)
	          VALUES ($1, $2, $3, $4)
	          RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		record.EntityType,
		record.EntityID,
		record.Data,
		record.DataHash,
	).Scan(&record.CreatedAt, &record.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Update replaces the stored data and clears any soft delete.
func (r *PostgresRecordRepository) Update(ctx context.Context, record *models.Record) error {
	query := `UPDATE sync_records
	          SET data = $3, data_hash = $4, updated_at = NOW(), deleted_at = NULL
	          WHERE entity_type = $1 AND entity_id = $2
	          RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		record.EntityType,
		record.EntityID,
		record.Data,
		record.DataHash,
	).Scan(&record.CreatedAt, &record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	record.DeletedAt = nil
	return nil
}

func (r *PostgresRecordRepository) SoftDelete(ctx context.Context, entityType string, id uuid.UUID, at time.Time) error {
	query := `UPDATE sync_records
	          SET deleted_at = $3
	          WHERE entity_type = $1 AND entity_id = $2 AND deleted_at IS NULL`

	result, err := r.db.Exec(ctx, query, entityType, id, at)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRecordRepository) HardDelete(ctx context.Context, entityType string, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM sync_records WHERE entity_type = $1 AND entity_id = $2`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRecordRepository) List(ctx context.Context, entityType string, includeDeleted bool) ([]*models.Record, error) {
	query := `SELECT entity_type, entity_id, data, data_hash, created_at, updated_at, deleted_at
	          FROM sync_records
	          WHERE entity_type = $1 AND ($2 OR deleted_at IS NULL)
	          ORDER BY updated_at DESC`

	rows, err := r.db.Query(ctx, query, entityType, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

func scanRecord(row pgx.Row) (*models.Record, error) {
	var record models.Record
	err := row.Scan(
		&record.EntityType,
		&record.EntityID,
		&record.Data,
		&record.DataHash,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
