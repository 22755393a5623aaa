package database

import (
	"context"
	"testing"
	"time"

	"chekodel/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetProfile(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	profile := &models.MyTaxProfile{
		Name:     "Основной",
		Provider: models.ProviderUnofficialAPI,
		INN:      "123456789012",
		Password: "secret",
		Phone:    "79990001122",
		DeviceID: "device-1",
	}
	require.NoError(t, db.CreateProfile(ctx, profile))
	assert.NotZero(t, profile.ID)
	assert.Equal(t, int64(1), profile.Version)

	got, err := db.GetProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, "Основной", got.Name)
	assert.Equal(t, "secret", got.Password)
	assert.False(t, got.IsAuthenticated)
	assert.Nil(t, got.TokenExpiresAt)
}

func TestGetProfile_NotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.GetProfile(context.Background(), 404)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestCreateProfile_NameUnique(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	profile := &models.MyTaxProfile{Name: "P", Provider: models.ProviderUnofficialAPI, INN: "1"}
	require.NoError(t, db.CreateProfile(ctx, profile))

	dup := &models.MyTaxProfile{Name: "P", Provider: models.ProviderOfficialAPI, INN: "2"}
	assert.Error(t, db.CreateProfile(ctx, dup))
}

func TestUpdateProfileAuthState(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	profile := &models.MyTaxProfile{Name: "P", Provider: models.ProviderUnofficialAPI, INN: "123"}
	require.NoError(t, db.CreateProfile(ctx, profile))

	now := time.Now()
	expires := now.Add(time.Hour)
	profile.AccessToken = "access"
	profile.RefreshToken = "refresh"
	profile.TokenExpiresAt = &expires
	profile.IsAuthenticated = true
	profile.LastAuthAt = &now
	require.NoError(t, db.UpdateProfileAuthState(ctx, profile))
	assert.Equal(t, int64(2), profile.Version)

	got, err := db.GetProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, got.IsAuthenticated)
	require.NotNil(t, got.TokenExpiresAt)
	require.NotNil(t, got.LastAuthAt)
}

func TestUpdateProfileAuthState_VersionConflict(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	profile := &models.MyTaxProfile{Name: "P", Provider: models.ProviderUnofficialAPI, INN: "123"}
	require.NoError(t, db.CreateProfile(ctx, profile))

	stale := *profile
	profile.IsAuthenticated = true
	require.NoError(t, db.UpdateProfileAuthState(ctx, profile))

	stale.IsAuthenticated = false
	err := db.UpdateProfileAuthState(ctx, &stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestUpdateProfile(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	profile := &models.MyTaxProfile{Name: "P", Provider: models.ProviderOfficialAPI, INN: "123"}
	require.NoError(t, db.CreateProfile(ctx, profile))

	profile.Name = "Renamed"
	profile.Phone = "79991112233"
	require.NoError(t, db.UpdateProfile(ctx, profile))

	got, err := db.GetProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "79991112233", got.Phone)
	assert.Equal(t, int64(2), got.Version)
}

func TestListAndDeleteProfiles(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	first := &models.MyTaxProfile{Name: "A", Provider: models.ProviderUnofficialAPI, INN: "1"}
	second := &models.MyTaxProfile{Name: "B", Provider: models.ProviderOfficialAPI, INN: "2"}
	require.NoError(t, db.CreateProfile(ctx, first))
	require.NoError(t, db.CreateProfile(ctx, second))

	profiles, err := db.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	require.NoError(t, db.DeleteProfile(ctx, first.ID))
	assert.ErrorIs(t, db.DeleteProfile(ctx, first.ID), ErrProfileNotFound)
}
