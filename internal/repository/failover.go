package repository

import (
	"context"
	"sync/atomic"
	"time"

	"chekodel/internal/domain"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
)

// FailoverChallengeRepository пишет в Redis, а при его падении — в память.
// Раз в минуту пробует вернуться на основное хранилище.
type FailoverChallengeRepository struct {
	primary   domain.ChallengeRepository
	fallback  domain.ChallengeRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck time.Time
}

func NewFailoverChallengeRepository(primary, fallback domain.ChallengeRepository, logger *zerolog.Logger) *FailoverChallengeRepository {
	return &FailoverChallengeRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.PhoneChallenge) error {
	if !r.isDown.Load() {
		err := r.primary.SaveChallenge(ctx, challenge)
		if err == nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary challenge repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	return r.fallback.SaveChallenge(ctx, challenge)
}

func (r *FailoverChallengeRepository) GetChallenge(ctx context.Context, profileID int64) (*models.PhoneChallenge, error) {
	if !r.isDown.Load() {
		challenge, err := r.primary.GetChallenge(ctx, profileID)
		if err == nil {
			return challenge, nil
		}
		r.logger.Error().Err(err).Msg("Primary challenge repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	// Пробуем вернуться на Redis через минуту
	if r.isDown.Load() && time.Since(r.lastCheck) > time.Minute {
		challenge, err := r.primary.GetChallenge(ctx, profileID)
		if err == nil {
			r.isDown.Store(false)
			return challenge, nil
		}
		r.lastCheck = time.Now()
	}

	return r.fallback.GetChallenge(ctx, profileID)
}

func (r *FailoverChallengeRepository) ClearChallenge(ctx context.Context, profileID int64) error {
	if !r.isDown.Load() {
		err := r.primary.ClearChallenge(ctx, profileID)
		if err == nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("Primary challenge repository failed, falling back to memory")
		r.isDown.Store(true)
		r.lastCheck = time.Now()
	}

	return r.fallback.ClearChallenge(ctx, profileID)
}
