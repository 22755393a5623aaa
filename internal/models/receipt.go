package models

import "time"

// Receipt хранит результат успешной фискализации платежа.
type Receipt struct {
	ID          int64      `json:"id"`
	StoreID     int64      `json:"store_id"`
	TaskID      int64      `json:"task_id"`
	PaymentID   string     `json:"payment_id"`
	ReceiptUUID string     `json:"receipt_uuid"`
	ReceiptURL  string     `json:"receipt_url"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Description string     `json:"description"`
	Status      string     `json:"status"` // created, canceled
	RawResponse string     `json:"raw_response"`
	CreatedAt   time.Time  `json:"created_at"`
	CanceledAt  *time.Time `json:"canceled_at"`
}
