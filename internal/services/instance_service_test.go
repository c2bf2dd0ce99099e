package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-key-that-is-long-enough"

func newTestInstanceService(t *testing.T) (*InstanceService, *testutil.MemStore, *testutil.MemTokens) {
	t.Helper()
	store := testutil.NewMemStore()
	tokens := testutil.NewMemTokens()
	return NewInstanceService(store.Instances(), tokens, testJWTSecret, 0), store, tokens
}

func registerHospital(t *testing.T, svc *InstanceService) (*models.SyncInstance, *Credentials) {
	t.Helper()
	instance, creds, err := svc.Register(context.Background(), RegisterRequest{
		OrganizationID: uuid.New(),
		InstanceType:   models.InstanceHospital,
		Name:           "St. Mary Ward 3",
		Platform:       "linux/amd64",
	})
	require.NoError(t, err)
	return instance, creds
}

// TestInstanceService_RegisterAndAuthenticate tests the credential exchange of a new instance
func TestInstanceService_RegisterAndAuthenticate(t *testing.T) {
	// ARRANGE
	svc, store, _ := newTestInstanceService(t)
	ctx := context.Background()
	instance, creds := registerHospital(t, svc)

	// ACT
	token, err := svc.Authenticate(ctx, creds.APIKey, creds.APISecret)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, instance.ID, creds.InstanceID)
	assert.NotEqual(t, creds.APISecret, instance.APISecretHash, "only the hash is stored")
	assert.Equal(t, models.DefaultSyncInterval, instance.SyncInterval)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenExpiry), token.ExpiresAt, time.Minute)

	stored, err := store.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.True(t, stored.CanSync())

	authorized, claims, err := svc.Authorize(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, instance.ID, authorized.ID)
	assert.Equal(t, instance.OrganizationID, claims.OrganizationID)
	assert.Equal(t, models.InstanceHospital, claims.InstanceType)
}

func TestInstanceService_RegisterValidation(t *testing.T) {
	svc, _, _ := newTestInstanceService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{InstanceType: "spaceship", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidInstanceType)

	_, _, err = svc.Register(ctx, RegisterRequest{InstanceType: models.InstanceLab})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestInstanceService_AuthenticateWrongSecret(t *testing.T) {
	svc, _, _ := newTestInstanceService(t)
	ctx := context.Background()
	_, creds := registerHospital(t, svc)

	_, err := svc.Authenticate(ctx, creds.APIKey, "definitely-not-the-secret-but-long-enough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "msk_unknown", creds.APISecret)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestInstanceService_VerifyRejectsForeignTokens(t *testing.T) {
	svc, _, _ := newTestInstanceService(t)
	ctx := context.Background()
	instance, _ := registerHospital(t, svc)

	wrongKey := NewInstanceService(nil, testutil.NewMemTokens(), "another-secret-key-of-decent-size", 0)
	wrongAudience := jwt.NewWithClaims(jwt.SigningMethodHS256, InstanceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		InstanceID:     instance.ID.String(),
		OrganizationID: instance.OrganizationID.String(),
	})
	signed, err := wrongAudience.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":        "not-a-jwt",
		"wrong audience": signed,
	}
	tests["wrong key"], err = signedFor(wrongKey, instance)
	require.NoError(t, err)

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.VerifyToken(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

// TestInstanceService_RotateRevokesTokens tests that rotation invalidates the old secret and every issued token
func TestInstanceService_RotateRevokesTokens(t *testing.T) {
	// ARRANGE
	svc, _, _ := newTestInstanceService(t)
	ctx := context.Background()
	instance, creds := registerHospital(t, svc)
	old, err := svc.Authenticate(ctx, creds.APIKey, creds.APISecret)
	require.NoError(t, err)

	// ACT
	rotated, err := svc.RotateCredentials(ctx, instance.ID)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, creds.APIKey, rotated.APIKey)
	assert.NotEqual(t, creds.APISecret, rotated.APISecret)

	_, err = svc.VerifyToken(ctx, old.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Authenticate(ctx, creds.APIKey, creds.APISecret)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	fresh, err := svc.Authenticate(ctx, rotated.APIKey, rotated.APISecret)
	require.NoError(t, err)
	_, _, err = svc.Authorize(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestInstanceService_Deactivate(t *testing.T) {
	svc, _, _ := newTestInstanceService(t)
	ctx := context.Background()
	instance, creds := registerHospital(t, svc)
	token, err := svc.IssueToken(ctx, instance.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, instance.ID))

	_, _, err = svc.Authorize(ctx, token.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Authenticate(ctx, creds.APIKey, creds.APISecret)
	assert.ErrorIs(t, err, ErrInstanceInactive)
}

// TestInstanceService_DeactivateClearsPresence tests that a deactivated instance no longer shows as online
func TestInstanceService_DeactivateClearsPresence(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	svc, _, _ := newTestInstanceService(t)
	presence := testutil.NewMemPresence()
	svc.WithPresence(presence)
	instance, _ := registerHospital(t, svc)
	require.NoError(t, presence.SetPresence(ctx, &models.Presence{
		InstanceID: instance.ID,
		Status:     string(models.StatusOnline),
	}))

	// ACT
	err := svc.Deactivate(ctx, instance.ID)

	// ASSERT
	require.NoError(t, err)
	p, err := presence.GetPresence(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOffline), p.Status)
}

// TestInstanceService_ListReportsPresence tests that the listing is scoped to one organization and carries each instance's presence
func TestInstanceService_ListReportsPresence(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	svc, _, _ := newTestInstanceService(t)
	presence := testutil.NewMemPresence()
	svc.WithPresence(presence)

	org := uuid.New()
	register := func(name string) *models.SyncInstance {
		instance, _, err := svc.Register(ctx, RegisterRequest{
			OrganizationID: org,
			InstanceType:   models.InstancePharmacy,
			Name:           name,
		})
		require.NoError(t, err)
		return instance
	}
	online := register("Dispensary North")
	quiet := register("Dispensary South")
	registerHospital(t, svc)
	require.NoError(t, presence.SetPresence(ctx, &models.Presence{
		OrganizationID: org,
		InstanceID:     online.ID,
		Status:         string(models.StatusOnline),
	}))

	// ACT
	listed, err := svc.List(ctx, org)

	// ASSERT
	require.NoError(t, err)
	require.Len(t, listed, 2)
	byID := map[uuid.UUID]InstanceOverview{}
	for _, o := range listed {
		byID[o.ID] = o
	}
	assert.Equal(t, string(models.StatusOnline), byID[online.ID].Presence)
	assert.NotNil(t, byID[online.ID].LastSeen)
	assert.Equal(t, string(models.StatusOffline), byID[quiet.ID].Presence)
	assert.Nil(t, byID[quiet.ID].LastSeen)
}

// signedFor issues a token for instance with svc's key without touching svc's stores.
func signedFor(svc *InstanceService, instance *models.SyncInstance) (string, error) {
	claims := InstanceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		InstanceID:     instance.ID.String(),
		OrganizationID: instance.OrganizationID.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(svc.jwtSecret))
}
