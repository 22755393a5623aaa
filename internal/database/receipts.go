package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/models"
)

const receiptColumns = `id, store_id, task_id, payment_id, receipt_uuid, receipt_url,
	amount, currency, description, status, raw_response, created_at, canceled_at`

// ReceiptFilter ограничивает выборку чеков.
type ReceiptFilter struct {
	StoreID  *int64
	Status   string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
}

func (db *DB) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	if receipt.Status == "" {
		receipt.Status = models.ReceiptStatusCreated
	}
	if receipt.Currency == "" {
		receipt.Currency = models.DefaultCurrency
	}
	query := `INSERT INTO receipts (store_id, task_id, payment_id, receipt_uuid, receipt_url,
				amount, currency, description, status, raw_response, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		receipt.StoreID,
		receipt.TaskID,
		receipt.PaymentID,
		receipt.ReceiptUUID,
		receipt.ReceiptURL,
		receipt.Amount,
		receipt.Currency,
		receipt.Description,
		receipt.Status,
		receipt.RawResponse,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	receipt.ID = id
	receipt.CreatedAt = now

	return nil
}

func (db *DB) GetReceipt(ctx context.Context, id int64) (*models.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE id = ?`
	receipt, err := scanReceipt(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt, nil
}

func (db *DB) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]models.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE 1=1`
	var args []interface{}

	if filter.StoreID != nil {
		query += ` AND store_id = ?`
		args = append(args, *filter.StoreID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.DateFrom != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query += ` AND created_at <= ?`
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
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, *receipt)
	}
	return receipts, rows.Err()
}

// GetActiveReceiptByPayment возвращает последний неотозванный чек платежа.
// Нужен и дедупликации (повторный payment.succeeded не создаёт второй чек),
// и авто-отзыву при возврате.
func (db *DB) GetActiveReceiptByPayment(ctx context.Context, storeID int64, paymentID string) (*models.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
              WHERE store_id = ? AND payment_id = ? AND status = ?
              ORDER BY id DESC LIMIT 1`
	receipt, err := scanReceipt(db.QueryRowContext(ctx, query, storeID, paymentID, models.ReceiptStatusCreated))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active receipt: %w", err)
	}
	return receipt, nil
}

// MarkReceiptCanceled отзывает последний активный чек платежа.
func (db *DB) MarkReceiptCanceled(ctx context.Context, storeID int64, paymentID string) error {
	query := `UPDATE receipts SET status = ?, canceled_at = ?
              WHERE id = (
                  SELECT id FROM receipts
                  WHERE store_id = ? AND payment_id = ? AND status = ?
                  ORDER BY id DESC LIMIT 1
              )`
	result, err := db.ExecContext(ctx, query,
		models.ReceiptStatusCanceled, time.Now(),
		storeID, paymentID, models.ReceiptStatusCreated,
	)
	if err != nil {
		return fmt.Errorf("failed to mark receipt canceled: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func scanReceipt(row rowScanner) (*models.Receipt, error) {
	var receipt models.Receipt
	err := row.Scan(
		&receipt.ID, &receipt.StoreID, &receipt.TaskID, &receipt.PaymentID,
		&receipt.ReceiptUUID, &receipt.ReceiptURL, &receipt.Amount, &receipt.Currency,
		&receipt.Description, &receipt.Status, &receipt.RawResponse, &receipt.CreatedAt,
		&receipt.CanceledAt,
	)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}
