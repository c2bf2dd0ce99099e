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

const instanceColumns = `instance_id, organization_id, instance_type, name, platform, hardware_info,
	api_key, api_secret_hash, is_active, sync_enabled, sync_interval_seconds, registered_at,
	last_sync_at, last_pull_at`

type PostgresSyncInstanceRepository struct {
	db DBTX
}

func NewPostgresSyncInstanceRepository(db DBTX) *PostgresSyncInstanceRepository {
	return &PostgresSyncInstanceRepository{db: db}
}

func (r *PostgresSyncInstanceRepository) Create(ctx context.Context, instance *models.SyncInstance) error {
	query := `INSERT INTO sync_instances (instance_id, organization_id, instance_type, name, platform,
	              hardware_info, api_key, api_secret_hash, is_active, sync_enabled, sync_interval_seconds)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          RETURNING registered_at`

	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}
	hardware := instance.HardwareInfo
	if hardware == nil {
		hardware = map[string]any{}
	}

	err := r.db.QueryRow(ctx, query,
		instance.ID,
		instance.OrganizationID,
		string(instance.InstanceType),
		instance.Name,
		instance.Platform,
		hardware,
		instance.APIKey,
		instance.APISecretHash,
		instance.IsActive,
		instance.SyncEnabled,
		int(instance.SyncInterval/time.Second),
	).Scan(&instance.RegisteredAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (r *PostgresSyncInstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM sync_instances WHERE instance_id = $1`

	instance, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by ID: %w", err)
	}
	return instance, nil
}

func (r *PostgresSyncInstanceRepository) GetByAPIKey(ctx context.Context, apiKey string) (*models.SyncInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM sync_instances WHERE api_key = $1`

	instance, err := scanInstance(r.db.QueryRow(ctx, query, apiKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by api key: %w", err)
	}
	return instance, nil
}

func (r *PostgresSyncInstanceRepository) ListSyncable(ctx context.Context) ([]*models.SyncInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM sync_instances
	          WHERE is_active = TRUE AND sync_enabled = TRUE
	          ORDER BY last_sync_at ASC NULLS FIRST`
	return r.list(ctx, query)
}

func (r *PostgresSyncInstanceRepository) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.SyncInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM sync_instances
	          WHERE organization_id = $1
	          ORDER BY registered_at ASC`
	return r.list(ctx, query, organizationID)
}

func (r *PostgresSyncInstanceRepository) list(ctx context.Context, query string, args ...any) ([]*models.SyncInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.SyncInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func (r *PostgresSyncInstanceRepository) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `UPDATE sync_instances SET last_sync_at = $2 WHERE instance_id = $1`, id, at)
}

func (r *PostgresSyncInstanceRepository) TouchLastPull(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE sync_instances
	          SET last_pull_at = GREATEST(COALESCE(last_pull_at, $2), $2)
	          WHERE instance_id = $1`
	return r.exec(ctx, query, id, at)
}

func (r *PostgresSyncInstanceRepository) UpdateSecret(ctx context.Context, id uuid.UUID, secretHash string) error {
	return r.exec(ctx, `UPDATE sync_instances SET api_secret_hash = $2 WHERE instance_id = $1`, id, secretHash)
}

func (r *PostgresSyncInstanceRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sync_instances SET is_active = FALSE, sync_enabled = FALSE WHERE instance_id = $1`
	return r.exec(ctx, query, id)
}

// UpdateSettings copies the cloud's view of the instance onto a local row.
func (r *PostgresSyncInstanceRepository) UpdateSettings(ctx context.Context, id uuid.UUID, isActive, syncEnabled bool, interval time.Duration) error {
	query := `UPDATE sync_instances
	          SET is_active = $2, sync_enabled = $3, sync_interval_seconds = $4
	          WHERE instance_id = $1`
	return r.exec(ctx, query, id, isActive, syncEnabled, int(interval/time.Second))
}

func (r *PostgresSyncInstanceRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInstance(row pgx.Row) (*models.SyncInstance, error) {
	var instance models.SyncInstance
	var instanceType string
	var intervalSeconds int
	err := row.Scan(
		&instance.ID,
		&instance.OrganizationID,
		&instanceType,
		&instance.Name,
		&instance.Platform,
		&instance.HardwareInfo,
		&instance.APIKey,
		&instance.APISecretHash,
		&instance.IsActive,
		&instance.SyncEnabled,
		&intervalSeconds,
		&instance.RegisteredAt,
		&instance.LastSyncAt,
		&instance.LastPullAt,
	)
	if err != nil {
		return nil, err
	}
	instance.InstanceType = models.InstanceType(instanceType)
	instance.SyncInterval = time.Duration(intervalSeconds) * time.Second
	return &instance, nil
}
