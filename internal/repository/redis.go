package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisChallengeRepository хранит SMS-челленджи в Redis: они переживают
// рестарт сервиса, а TTL ключа совпадает со сроком жизни кода из SMS.
type RedisChallengeRepository struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisChallengeRepository(client *redis.Client) *RedisChallengeRepository {
	return &RedisChallengeRepository{client: client}
}

func challengeKey(profileID int64) string {
	return fmt.Sprintf("mytax_challenge:%d", profileID)
}

func (r *RedisChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.PhoneChallenge) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(challenge.ExpireDate)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.client.Set(ctx, challengeKey(challenge.ProfileID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set challenge in redis: %w", err)
	}

	return nil
}

func (r *RedisChallengeRepository) GetChallenge(ctx context.Context, profileID int64) (*models.PhoneChallenge, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	val, err := r.client.Get(ctx, challengeKey(profileID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge from redis: %w", err)
	}

	var challenge models.PhoneChallenge
	if err := json.Unmarshal([]byte(val), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return &challenge, nil
}

func (r *RedisChallengeRepository) ClearChallenge(ctx context.Context, profileID int64) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, challengeKey(profileID)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge from redis: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
