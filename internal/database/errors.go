package database

import "errors"

var (
	// ErrConcurrentModification возникает при конфликте версий в CAS-обновлении.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrStoreNotFound   = errors.New("store not found")
	ErrProfileNotFound = errors.New("mytax profile not found")
	ErrEventNotFound   = errors.New("webhook event not found")
	ErrTaskNotFound    = errors.New("receipt task not found")
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrTargetNotFound  = errors.New("relay target not found")
	ErrChannelNotFound = errors.New("telegram channel not found")
)
