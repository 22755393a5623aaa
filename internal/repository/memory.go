package repository

import (
	"context"
	"sync"
	"time"

	"chekodel/internal/models"
)

// MemoryChallengeRepository — запасное хранилище челленджей на случай
// недоступного Redis. Живёт, пока жив процесс.
type MemoryChallengeRepository struct {
	challenges sync.Map
}

func NewMemoryChallengeRepository() *MemoryChallengeRepository {
	return &MemoryChallengeRepository{}
}

func (r *MemoryChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.PhoneChallenge) error {
	r.challenges.Store(challenge.ProfileID, challenge)
	return nil
}

func (r *MemoryChallengeRepository) GetChallenge(ctx context.Context, profileID int64) (*models.PhoneChallenge, error) {
	val, ok := r.challenges.Load(profileID)
	if !ok {
		return nil, nil
	}

	challenge := val.(*models.PhoneChallenge)
	if time.Now().After(challenge.ExpireDate) {
		r.challenges.Delete(profileID)
		return nil, nil
	}
	return challenge, nil
}

func (r *MemoryChallengeRepository) ClearChallenge(ctx context.Context, profileID int64) error {
	r.challenges.Delete(profileID)
	return nil
}
