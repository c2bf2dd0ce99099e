package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/utils"
)

const (
	tokenIssuer   = "medsync"
	tokenAudience = "medsync-sync"
	// DefaultTokenExpiry keeps instance tokens valid for a year.
	DefaultTokenExpiry = 365 * 24 * time.Hour
	secretBytes        = 32
)

var (
	ErrInvalidCredentials  = errors.New("invalid api key or secret")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInstanceInactive    = errors.New("instance is inactive or sync is disabled")
	ErrInvalidInstanceType = errors.New("invalid instance type")
	ErrNameRequired        = errors.New("instance name is required")
)

type InstanceService struct {
	instanceRepo repositories.SyncInstanceRepository
	tokenRepo    repositories.TokenRepository
	presence     repositories.PresenceRepository
	jwtSecret    string
	jwtExpiry    time.Duration
}

type RegisterRequest struct {
	OrganizationID uuid.UUID
	InstanceType   models.InstanceType
	Name           string
	Platform       string
	HardwareInfo   map[string]any
	SyncInterval   time.Duration
}

// Credentials are returned once, at registration or rotation. Only the
// secret's hash is stored.
type Credentials struct {
	InstanceID uuid.UUID `json:"instance_id"`
	APIKey     string    `json:"api_key"`
	APISecret  string    `json:"api_secret"`
}

type TokenResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// InstanceClaims is the JWT payload carried by every sync request.
type InstanceClaims struct {
	jwt.RegisteredClaims
	InstanceID     string `json:"instance_id"`
	OrganizationID string `json:"organization_id"`
	InstanceType   string `json:"instance_type"`
}

type TokenClaims struct {
	InstanceID     uuid.UUID
	OrganizationID uuid.UUID
	InstanceType   models.InstanceType
	TokenID        string
}

func NewInstanceService(
	instanceRepo repositories.SyncInstanceRepository,
	tokenRepo repositories.TokenRepository,
	jwtSecret string,
	jwtExpiry time.Duration,
) *InstanceService {
	if jwtExpiry <= 0 {
		jwtExpiry = DefaultTokenExpiry
	}
	return &InstanceService{
		instanceRepo: instanceRepo,
		tokenRepo:    tokenRepo,
		jwtSecret:    jwtSecret,
		jwtExpiry:    jwtExpiry,
	}
}

// WithPresence lets the service report and clear instance presence.
func (s *InstanceService) WithPresence(presence repositories.PresenceRepository) *InstanceService {
	s.presence = presence
	return s
}

// InstanceOverview is one row of an organization's instance listing.
type InstanceOverview struct {
	*models.SyncInstance
	Presence string     `json:"presence"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// List returns every instance of the organization with its presence, which is
// offline when no presence store is configured.
func (s *InstanceService) List(ctx context.Context, organizationID uuid.UUID) ([]InstanceOverview, error) {
	instances, err := s.instanceRepo.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	seen := map[uuid.UUID]models.Presence{}
	if s.presence != nil && len(instances) > 0 {
		ids := make([]uuid.UUID, len(instances))
		for i, instance := range instances {
			ids[i] = instance.ID
		}
		if seen, err = s.presence.GetBulkPresence(ctx, ids); err != nil {
			return nil, err
		}
	}

	out := make([]InstanceOverview, len(instances))
	for i, instance := range instances {
		out[i] = InstanceOverview{SyncInstance: instance, Presence: string(models.StatusOffline)}
		if p, ok := seen[instance.ID]; ok {
			out[i].Presence = p.Status
			if !p.LastSeen.IsZero() {
				lastSeen := p.LastSeen
				out[i].LastSeen = &lastSeen
			}
		}
	}
	return out, nil
}

func (s *InstanceService) Register(ctx context.Context, req RegisterRequest) (*models.SyncInstance, *Credentials, error) {
	if !req.InstanceType.Valid() {
		return nil, nil, ErrInvalidInstanceType
	}
	if req.Name == "" {
		return nil, nil, ErrNameRequired
	}

	apiKey, err := utils.GenerateAPIKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	secret, secretHash, err := newSecret()
	if err != nil {
		return nil, nil, err
	}

	interval := req.SyncInterval
	if interval <= 0 {
		interval = models.DefaultSyncInterval
	}

	instance := &models.SyncInstance{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		InstanceType:   req.InstanceType,
		Name:           req.Name,
		Platform:       req.Platform,
		HardwareInfo:   req.HardwareInfo,
		APIKey:         apiKey,
		APISecretHash:  secretHash,
		IsActive:       true,
		SyncEnabled:    true,
		SyncInterval:   interval,
	}
	if err := s.instanceRepo.Create(ctx, instance); err != nil {
		return nil, nil, fmt.Errorf("failed to create instance: %w", err)
	}

	return instance, &Credentials{
		InstanceID: instance.ID,
		APIKey:     apiKey,
		APISecret:  secret,
	}, nil
}

// Authenticate exchanges an instance's api key and secret for a token.
func (s *InstanceService) Authenticate(ctx context.Context, apiKey, apiSecret string) (*TokenResponse, error) {
	instance, err := s.instanceRepo.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !utils.CheckSecret(instance.APISecretHash, apiSecret) {
		return nil, ErrInvalidCredentials
	}
	if !instance.IsActive {
		return nil, ErrInstanceInactive
	}

	return s.issue(ctx, instance)
}

func (s *InstanceService) IssueToken(ctx context.Context, instanceID uuid.UUID) (*TokenResponse, error) {
	instance, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	if !instance.IsActive {
		return nil, ErrInstanceInactive
	}
	return s.issue(ctx, instance)
}

func (s *InstanceService) issue(ctx context.Context, instance *models.SyncInstance) (*TokenResponse, error) {
	tokenID := uuid.NewString()
	now := time.Now()
	expiresAt := now.Add(s.jwtExpiry)

	err := s.tokenRepo.Create(ctx, &models.InstanceToken{
		ID:             tokenID,
		InstanceID:     instance.ID,
		OrganizationID: instance.OrganizationID,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	claims := InstanceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   instance.ID.String(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		InstanceID:     instance.ID.String(),
		OrganizationID: instance.OrganizationID.String(),
		InstanceType:   string(instance.InstanceType),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &TokenResponse{
		Token:      token,
		ExpiresAt:  expiresAt,
		InstanceID: instance.ID,
	}, nil
}

// VerifyToken checks the signature and claims, and that the token has not been revoked.
func (s *InstanceService) VerifyToken(ctx context.Context, tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InstanceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithAudience(tokenAudience))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*InstanceClaims)
	if !ok || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	instanceID, err := uuid.Parse(claims.InstanceID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	stored, err := s.tokenRepo.GetByID(ctx, claims.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if stored.InstanceID != instanceID {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		InstanceID:     instanceID,
		OrganizationID: orgID,
		InstanceType:   models.InstanceType(claims.InstanceType),
		TokenID:        claims.ID,
	}, nil
}

// Authorize resolves a bearer token to an instance that is allowed to sync.
func (s *InstanceService) Authorize(ctx context.Context, tokenString string) (*models.SyncInstance, *TokenClaims, error) {
	claims, err := s.VerifyToken(ctx, tokenString)
	if err != nil {
		return nil, nil, err
	}

	instance, err := s.instanceRepo.GetByID(ctx, claims.InstanceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get instance: %w", err)
	}
	if !instance.CanSync() {
		return nil, nil, ErrInstanceInactive
	}
	return instance, claims, nil
}

// RotateCredentials replaces the instance secret and revokes every token issued before.
func (s *InstanceService) RotateCredentials(ctx context.Context, instanceID uuid.UUID) (*Credentials, error) {
	instance, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	secret, secretHash, err := newSecret()
	if err != nil {
		return nil, err
	}
	if err := s.instanceRepo.UpdateSecret(ctx, instanceID, secretHash); err != nil {
		return nil, fmt.Errorf("failed to update secret: %w", err)
	}
	if err := s.tokenRepo.DeleteAllForInstance(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("failed to revoke tokens: %w", err)
	}

	return &Credentials{
		InstanceID: instanceID,
		APIKey:     instance.APIKey,
		APISecret:  secret,
	}, nil
}

func (s *InstanceService) Deactivate(ctx context.Context, instanceID uuid.UUID) error {
	if err := s.instanceRepo.Deactivate(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to deactivate instance: %w", err)
	}
	if err := s.tokenRepo.DeleteAllForInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	if s.presence != nil {
		if err := s.presence.DeletePresence(ctx, instanceID); err != nil {
			return fmt.Errorf("failed to clear presence: %w", err)
		}
	}
	return nil
}

func newSecret() (secret, hash string, err error) {
	secret, err = utils.GenerateSecret(secretBytes)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	hash, err = utils.HashSecret(secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return secret, hash, nil
}
