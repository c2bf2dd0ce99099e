package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:instance:"
	// An instance that has not talked to the cloud for this long is reported offline.
	presenceTTL = 30 * time.Minute
)

type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

// SetPresence records that an instance was seen now. Every authenticated sync call refreshes it.
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = time.Now().UTC()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	if err := r.client.Set(ctx, presenceKey(presence.InstanceID), data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) GetPresence(ctx context.Context, instanceID uuid.UUID) (*models.Presence, error) {
	data, err := r.client.Get(ctx, presenceKey(instanceID)).Result()
	if err == redis.Nil {
		return offline(instanceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &presence, nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, instanceID uuid.UUID) error {
	if err := r.client.Del(ctx, presenceKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// GetBulkPresence retrieves presence for many instances in one round trip.
func (r *RedisPresenceRepository) GetBulkPresence(ctx context.Context, instanceIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error) {
	if len(instanceIDs) == 0 {
		return make(map[uuid.UUID]models.Presence), nil
	}

	keys := make([]string, len(instanceIDs))
	for i, id := range instanceIDs {
		keys[i] = presenceKey(id)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	presenceMap := make(map[uuid.UUID]models.Presence, len(instanceIDs))
	for i, result := range results {
		instanceID := instanceIDs[i]

		data, ok := result.(string)
		if !ok {
			presenceMap[instanceID] = *offline(instanceID)
			continue
		}

		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			presenceMap[instanceID] = *offline(instanceID)
			continue
		}
		presenceMap[instanceID] = presence
	}

	return presenceMap, nil
}

func offline(instanceID uuid.UUID) *models.Presence {
	return &models.Presence{
		InstanceID: instanceID,
		Status:     string(models.StatusOffline),
	}
}

func presenceKey(instanceID uuid.UUID) string {
	return presenceKeyPrefix + instanceID.String()
}
