package domain

import (
	"context"

	"chekodel/internal/models"
	"chekodel/internal/mytax"
)

// ChallengeRepository хранит незавершённые SMS-авторизации профилей.
type ChallengeRepository interface {
	SaveChallenge(ctx context.Context, challenge *models.PhoneChallenge) error
	GetChallenge(ctx context.Context, profileID int64) (*models.PhoneChallenge, error)
	ClearChallenge(ctx context.Context, profileID int64) error
}

// EventPublisher — внутренняя шина событий.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// RelayDispatcher пересылает исходный вебхук на внешние адреса магазина
// и возвращает итоговый статус доставки.
type RelayDispatcher interface {
	Dispatch(ctx context.Context, store *models.Store, targets []models.RelayTarget, payload []byte, receiptURL string) string
}

// Notifier рассылает сообщение в Telegram-каналы магазина.
type Notifier interface {
	Notify(ctx context.Context, channels []models.TelegramChannel, eventName, message, receiptURL string)
}

// ProviderFactory собирает клиента «Мой налог» под конкретный профиль.
// Функция, а не конструктор напрямую: воркер и сервисы тестируются без сети.
type ProviderFactory func(profile *models.MyTaxProfile) (mytax.Client, error)
