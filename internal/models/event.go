package models

import "time"

// WebhookEvent фиксирует каждое входящее уведомление платёжного шлюза,
// включая дубликаты и события без задач.
type WebhookEvent struct {
	ID           int64      `json:"id"`
	StoreID      int64      `json:"store_id"`
	EventType    string     `json:"event_type"`
	PaymentID    string     `json:"payment_id"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"` // received, processed, failed, ignored, duplicate
	RelayStatus  string     `json:"relay_status"`
	ErrorMessage string     `json:"error_message"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
}
