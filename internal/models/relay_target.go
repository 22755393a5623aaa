package models

import "time"

// RelayTarget is an external consumer that receives forwarded gateway payloads.
type RelayTarget struct {
	ID              int64             `json:"id"`
	StoreID         int64             `json:"store_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	PayloadTemplate string            `json:"payload_template"`
	IsActive        bool              `json:"is_active"`
	CreatedAt       time.Time         `json:"created_at"`
}
