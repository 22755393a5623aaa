package models

import "time"

// TelegramChannel описывает канал уведомлений магазина. Пустой список
// events означает подписку на все события.
type TelegramChannel struct {
	ID                int64     `json:"id"`
	StoreID           int64     `json:"store_id"`
	Name              string    `json:"name"`
	BotToken          string    `json:"-"`
	ChatID            string    `json:"chat_id"`
	TopicID           *int64    `json:"topic_id"`
	Events            []string  `json:"events"`
	IncludeReceiptURL bool      `json:"include_receipt_url"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// WantsEvent сообщает, подписан ли канал на событие.
func (c *TelegramChannel) WantsEvent(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}
