package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/models"
)

const eventColumns = `id, store_id, event_type, payment_id, payload, status, relay_status,
	error_message, received_at, processed_at`

// EventFilter ограничивает выборку событий.
type EventFilter struct {
	StoreID   *int64
	Status    string
	EventType string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

func (db *DB) CreateEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.Status == "" {
		event.Status = models.EventStatusReceived
	}
	if event.RelayStatus == "" {
		event.RelayStatus = models.RelayStatusPending
	}
	query := `INSERT INTO webhook_events (store_id, event_type, payment_id, payload, status, relay_status, error_message, received_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		event.StoreID,
		event.EventType,
		event.PaymentID,
		event.Payload,
		event.Status,
		event.RelayStatus,
		event.ErrorMessage,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	event.ID = id
	event.ReceivedAt = now

	return nil
}

func (db *DB) GetEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = ?`
	event, err := scanEvent(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE 1=1`
	var args []interface{}

	if filter.StoreID != nil {
		query += ` AND store_id = ?`
		args = append(args, *filter.StoreID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.DateFrom != nil {
		query += ` AND received_at >= ?`
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query += ` AND received_at <= ?`
		args = append(args, *filter.DateTo)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// UpdateEventStatus переводит событие в конечный статус и фиксирует момент
// обработки.
func (db *DB) UpdateEventStatus(ctx context.Context, id int64, status, errMsg string) error {
	query := `UPDATE webhook_events SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`
	now := time.Now()
	_, err := db.ExecContext(ctx, query, status, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to update webhook event status: %w", err)
	}
	return nil
}

func (db *DB) UpdateEventRelayStatus(ctx context.Context, id int64, relayStatus string) error {
	query := `UPDATE webhook_events SET relay_status = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, relayStatus, id)
	if err != nil {
		return fmt.Errorf("failed to update webhook event relay status: %w", err)
	}
	return nil
}

// HasNonFailedTask отвечает на вопрос дедупликации: порождало ли событие
// с теми же магазином, типом и платежом задачу, не завершившуюся failed.
func (db *DB) HasNonFailedTask(ctx context.Context, storeID int64, eventType, paymentID string) (bool, error) {
	query := `SELECT COUNT(*)
              FROM receipt_tasks t
              JOIN webhook_events e ON e.id = t.event_id
              WHERE e.store_id = ? AND e.event_type = ? AND e.payment_id = ? AND t.status != ?`
	var count int
	err := db.QueryRowContext(ctx, query, storeID, eventType, paymentID, models.TaskStatusFailed).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate webhook event: %w", err)
	}
	return count > 0, nil
}

func scanEvent(row rowScanner) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := row.Scan(
		&event.ID, &event.StoreID, &event.EventType, &event.PaymentID, &event.Payload,
		&event.Status, &event.RelayStatus, &event.ErrorMessage, &event.ReceivedAt,
		&event.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
