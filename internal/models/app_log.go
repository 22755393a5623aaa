package models

import "time"

// AppLog is an append-only audit record.
type AppLog struct {
	ID        int64     `json:"id"`
	StoreID   *int64    `json:"store_id"`
	Level     string    `json:"level"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}
