package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"chekodel/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentClaim гоняет несколько воркеров за одной задачей: захват
// должен достаться ровно одному, остальные получают конфликт версий.
func TestConcurrentClaim(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())
	dbPath := filepath.Join(t.TempDir(), "concurrency.db")
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	store := createTestStore(t, db)
	event := createTestEvent(t, db, store.ID, models.GatewayPaymentSucceeded, "pay-1")
	task := createTestTask(t, db, store.ID, event.ID, "pay-1")

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			// Каждый «воркер» работает со своей копией задачи,
			// как после независимой выборки GetReadyTasks
			copyTask := *task
			results <- db.ClaimTask(ctx, &copyTask)
		}()
	}

	wg.Wait()
	close(results)

	var claimed, conflicts int
	for err := range results {
		switch {
		case err == nil:
			claimed++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}

	assert.Equal(t, 1, claimed, "exactly one worker wins the claim")
	assert.Equal(t, numGoroutines-1, conflicts)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

// TestConcurrentSiblingClaims проверяет защиту от параллельной обработки
// двух задач одного платежа.
func TestConcurrentSiblingClaims(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())
	dbPath := filepath.Join(t.TempDir(), "siblings.db")
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	store := createTestStore(t, db)
	event := createTestEvent(t, db, store.ID, models.GatewayPaymentSucceeded, "pay-1")

	const numTasks = 5
	tasks := make([]*models.ReceiptTask, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		tasks = append(tasks, createTestTask(t, db, store.ID, event.ID, "pay-1"))
	}

	var wg sync.WaitGroup
	wg.Add(numTasks)
	results := make(chan error, numTasks)

	for _, task := range tasks {
		go func(tk *models.ReceiptTask) {
			defer wg.Done()
			results <- db.ClaimTask(ctx, tk)
		}(task)
	}

	wg.Wait()
	close(results)

	var claimed int
	for err := range results {
		if err == nil {
			claimed++
		} else {
			assert.ErrorIs(t, err, ErrConcurrentModification)
		}
	}

	assert.Equal(t, 1, claimed, "only one task per payment may be processing")

	processing, err := db.CountTasksByStatus(ctx, models.TaskStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}
