package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"chekodel/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) SaveChallenge(ctx context.Context, challenge *models.PhoneChallenge) error {
	args := m.Called(ctx, challenge)
	return args.Error(0)
}

func (m *mockRepo) GetChallenge(ctx context.Context, profileID int64) (*models.PhoneChallenge, error) {
	args := m.Called(ctx, profileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PhoneChallenge), args.Error(1)
}

func (m *mockRepo) ClearChallenge(ctx context.Context, profileID int64) error {
	args := m.Called(ctx, profileID)
	return args.Error(0)
}

func TestFailoverChallengeRepository(t *testing.T) {
	primary := new(mockRepo)
	fallback := new(mockRepo)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverChallengeRepository(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		challenge := &models.PhoneChallenge{ProfileID: 1}
		primary.On("GetChallenge", ctx, int64(1)).Return(challenge, nil).Once()

		got, err := repo.GetChallenge(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, challenge, got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		challenge := &models.PhoneChallenge{ProfileID: 2}
		primary.On("GetChallenge", ctx, int64(2)).Return(nil, errors.New("fail")).Once()
		fallback.On("GetChallenge", ctx, int64(2)).Return(challenge, nil).Once()

		got, err := repo.GetChallenge(ctx, 2)
		assert.NoError(t, err)
		assert.Equal(t, challenge, got)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		challenge := &models.PhoneChallenge{ProfileID: 3}
		primary.On("GetChallenge", ctx, int64(3)).Return(challenge, nil).Once()

		got, err := repo.GetChallenge(ctx, 3)
		assert.NoError(t, err)
		assert.Equal(t, challenge, got)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("GetChallenge", ctx, int64(33)).Return(nil, errors.New("still fail")).Once()
		fallback.On("GetChallenge", ctx, int64(33)).Return(nil, nil).Once()

		_, err := repo.GetChallenge(ctx, 33)
		assert.NoError(t, err)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("SaveChallengeSuccess", func(t *testing.T) {
		repo.isDown.Store(false)
		challenge := &models.PhoneChallenge{ProfileID: 77}
		primary.On("SaveChallenge", ctx, challenge).Return(nil).Once()

		err := repo.SaveChallenge(ctx, challenge)
		assert.NoError(t, err)
		primary.AssertExpectations(t)
	})

	t.Run("SaveChallengeFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		challenge := &models.PhoneChallenge{ProfileID: 4}
		primary.On("SaveChallenge", ctx, challenge).Return(errors.New("fail")).Once()
		fallback.On("SaveChallenge", ctx, challenge).Return(nil).Once()

		err := repo.SaveChallenge(ctx, challenge)
		assert.NoError(t, err)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("ClearChallengeFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		primary.On("ClearChallenge", ctx, int64(5)).Return(errors.New("fail")).Once()
		fallback.On("ClearChallenge", ctx, int64(5)).Return(nil).Once()

		err := repo.ClearChallenge(ctx, 5)
		assert.NoError(t, err)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("SaveChallengeAlreadyDown", func(t *testing.T) {
		repo.isDown.Store(true)
		challenge := &models.PhoneChallenge{ProfileID: 44}
		fallback.On("SaveChallenge", ctx, challenge).Return(nil).Once()

		err := repo.SaveChallenge(ctx, challenge)
		assert.NoError(t, err)
		fallback.AssertExpectations(t)
	})

	t.Run("ClearChallengeAlreadyDown", func(t *testing.T) {
		repo.isDown.Store(true)
		fallback.On("ClearChallenge", ctx, int64(55)).Return(nil).Once()

		err := repo.ClearChallenge(ctx, 55)
		assert.NoError(t, err)
		fallback.AssertExpectations(t)
	})
}
