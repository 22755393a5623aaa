package models

import "time"

// ReceiptTask represents a queued fiscal receipt operation.
type ReceiptTask struct {
	ID           int64      `json:"id"`
	StoreID      int64      `json:"store_id"`
	EventID      int64      `json:"event_id"`
	PaymentID    string     `json:"payment_id"`
	TaskType     string     `json:"task_type"` // create_receipt, cancel_receipt
	Payload      string     `json:"payload"`
	Status       string     `json:"status"` // pending, processing, success, failed, waiting_auth
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at"`
	ErrorMessage string     `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
}
