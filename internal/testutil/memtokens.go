package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

// MemTokens is an in-memory repositories.TokenRepository.
type MemTokens struct {
	mu     sync.Mutex
	tokens map[string]models.InstanceToken
}

func NewMemTokens() *MemTokens {
	return &MemTokens{tokens: make(map[string]models.InstanceToken)}
}

func (m *MemTokens) Create(ctx context.Context, token *models.InstanceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = *token
	return nil
}

func (m *MemTokens) GetByID(ctx context.Context, id string) (*models.InstanceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok || time.Now().After(token.ExpiresAt) {
		return nil, repositories.ErrNotFound
	}
	return &token, nil
}

func (m *MemTokens) ListByInstanceID(ctx context.Context, instanceID uuid.UUID) ([]*models.InstanceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InstanceToken
	for _, token := range m.tokens {
		if token.InstanceID == instanceID && time.Now().Before(token.ExpiresAt) {
			t := token
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *MemTokens) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	return nil
}

func (m *MemTokens) DeleteAllForInstance(ctx context.Context, instanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, token := range m.tokens {
		if token.InstanceID == instanceID {
			delete(m.tokens, id)
		}
	}
	return nil
}

var (
	_ repositories.TokenRepository    = (*MemTokens)(nil)
	_ repositories.PresenceRepository = (*MemPresence)(nil)
	_ repositories.Store              = (*MemStore)(nil)
)

// MemPresence is an in-memory repositories.PresenceRepository without expiry.
type MemPresence struct {
	mu       sync.Mutex
	presence map[uuid.UUID]models.Presence
}

func NewMemPresence() *MemPresence {
	return &MemPresence{presence: make(map[uuid.UUID]models.Presence)}
}

func (m *MemPresence) SetPresence(ctx context.Context, presence *models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *presence
	p.LastSeen = time.Now()
	m.presence[p.InstanceID] = p
	return nil
}

func (m *MemPresence) GetPresence(ctx context.Context, instanceID uuid.UUID) (*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[instanceID]
	if !ok {
		p = models.Presence{InstanceID: instanceID, Status: string(models.StatusOffline)}
	}
	return &p, nil
}

func (m *MemPresence) DeletePresence(ctx context.Context, instanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presence, instanceID)
	return nil
}

func (m *MemPresence) GetBulkPresence(ctx context.Context, instanceIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]models.Presence, len(instanceIDs))
	for _, id := range instanceIDs {
		p, ok := m.presence[id]
		if !ok {
			p = models.Presence{InstanceID: id, Status: string(models.StatusOffline)}
		}
		out[id] = p
	}
	return out, nil
}
