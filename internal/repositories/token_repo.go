package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const tokenPrefix = "instance_token:"
const instanceTokensPrefix = "instance:%s:tokens"

// RedisTokenRepository tracks live instance tokens by jti so rotation can revoke them.
type RedisTokenRepository struct {
	client *redis.Client
}

func NewRedisTokenRepository(client *redis.Client) *RedisTokenRepository {
	return &RedisTokenRepository{client: client}
}

func (r *RedisTokenRepository) Create(ctx context.Context, token *models.InstanceToken) error {
	jsonData, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt)
	key := tokenPrefix + token.ID

	if err := r.client.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token: %w", err)
	}

	instanceKey := fmt.Sprintf(instanceTokensPrefix, token.InstanceID)
	if err := r.client.SAdd(ctx, instanceKey, token.ID).Err(); err != nil {
		return fmt.Errorf("failed to add token to instance tokens: %w", err)
	}
	return nil
}

func (r *RedisTokenRepository) GetByID(ctx context.Context, id string) (*models.InstanceToken, error) {
	jsonData, err := r.client.Get(ctx, tokenPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token models.InstanceToken
	if err := json.Unmarshal([]byte(jsonData), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// ListByInstanceID returns live tokens and drops expired ids from the index.
func (r *RedisTokenRepository) ListByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]*models.InstanceToken, error) {
	instanceKey := fmt.Sprintf(instanceTokensPrefix, instanceID)
	tokenIDs, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance tokens: %w", err)
	}

	var tokens []*models.InstanceToken
	var expiredIDs []any

	for _, id := range tokenIDs {
		token, err := r.GetByID(ctx, id)
		if err == ErrNotFound {
			expiredIDs = append(expiredIDs, id)
			continue
		}
		if err != nil {
			slog.Warn("skipping token", "token_id", id, "error", err)
			continue
		}
		tokens = append(tokens, token)
	}

	if len(expiredIDs) > 0 {
		if err := r.client.SRem(ctx, instanceKey, expiredIDs...).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove expired tokens: %w", err)
		}
	}
	return tokens, nil
}

func (r *RedisTokenRepository) Delete(ctx context.Context, id string) error {
	token, err := r.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	instanceKey := fmt.Sprintf(instanceTokensPrefix, token.InstanceID)
	if err := r.client.SRem(ctx, instanceKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove token from instance tokens: %w", err)
	}

	if err := r.client.Del(ctx, tokenPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteAllForInstance revokes every token issued to the instance.
func (r *RedisTokenRepository) DeleteAllForInstance(ctx context.Context, instanceID uuid.UUID) error {
	instanceKey := fmt.Sprintf(instanceTokensPrefix, instanceID)
	tokenIDs, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance tokens: %w", err)
	}

	keys := make([]string, 0, len(tokenIDs)+1)
	for _, id := range tokenIDs {
		keys = append(keys, tokenPrefix+id)
	}
	keys = append(keys, instanceKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to revoke instance tokens: %w", err)
	}
	return nil
}
