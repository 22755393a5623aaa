package database

import (
	"context"
	"testing"

	"chekodel/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayTargets(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	store := createTestStore(t, db)

	target := &models.RelayTarget{
		StoreID:  store.ID,
		Name:     "CRM",
		URL:      "https://crm.example.com/hook",
		Headers:  map[string]string{"Authorization": "Bearer xyz"},
		IsActive: true,
	}
	require.NoError(t, db.CreateRelayTarget(ctx, target))
	assert.NotZero(t, target.ID)
	assert.Equal(t, "POST", target.Method, "method defaults to POST")

	inactive := &models.RelayTarget{
		StoreID: store.ID,
		Name:    "Disabled",
		URL:     "https://old.example.com/hook",
		Method:  "PUT",
	}
	require.NoError(t, db.CreateRelayTarget(ctx, inactive))

	all, err := db.ListRelayTargets(ctx, &store.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "Bearer xyz", all[0].Headers["Authorization"])

	active, err := db.GetActiveRelayTargets(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "CRM", active[0].Name)

	require.NoError(t, db.DeleteRelayTarget(ctx, target.ID))
	assert.ErrorIs(t, db.DeleteRelayTarget(ctx, target.ID), ErrTargetNotFound)
}
