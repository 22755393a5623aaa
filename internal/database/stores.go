package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/models"
)

const storeColumns = `id, name, webhook_path, is_active, description_template, item_name_template,
	amount_path, payment_id_path, customer_name_path, relay_mode, relay_retry_limit,
	include_receipt_url_in_relay, auto_cancel_on_refund, relay_ignored_events,
	mytax_profile_id, created_at, updated_at, version`

func (db *DB) CreateStore(ctx context.Context, store *models.Store) error {
	query := `INSERT INTO stores (
				name, webhook_path, is_active, description_template, item_name_template,
				amount_path, payment_id_path, customer_name_path, relay_mode, relay_retry_limit,
				include_receipt_url_in_relay, auto_cancel_on_refund, relay_ignored_events,
				mytax_profile_id, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		store.Name,
		store.WebhookPath,
		store.IsActive,
		store.DescriptionTemplate,
		store.ItemNameTemplate,
		store.AmountPath,
		store.PaymentIDPath,
		store.CustomerNamePath,
		store.RelayMode,
		store.RelayRetryLimit,
		store.IncludeReceiptURLInRelay,
		store.AutoCancelOnRefund,
		store.RelayIgnoredEvents,
		store.ProfileID,
		now,
		now,
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	store.ID = id
	store.CreatedAt = now
	store.UpdatedAt = now
	store.Version = 1

	return nil
}

func (db *DB) GetStore(ctx context.Context, id int64) (*models.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE id = ?`
	store, err := scanStore(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	return store, nil
}

// GetStoreByWebhookPath ищет магазин по пути вебхука. Неактивные магазины
// снаружи неотличимы от несуществующих.
func (db *DB) GetStoreByWebhookPath(ctx context.Context, path string) (*models.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE webhook_path = ? AND is_active = 1`
	store, err := scanStore(db.QueryRowContext(ctx, query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store by webhook path: %w", err)
	}
	return store, nil
}

func (db *DB) ListStores(ctx context.Context) ([]models.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var stores []models.Store
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		stores = append(stores, *store)
	}
	return stores, rows.Err()
}

// UpdateStore перезаписывает изменяемые поля магазина с проверкой версии.
func (db *DB) UpdateStore(ctx context.Context, store *models.Store) error {
	query := `UPDATE stores SET
				name = ?, webhook_path = ?, is_active = ?, description_template = ?,
				item_name_template = ?, amount_path = ?, payment_id_path = ?,
				customer_name_path = ?, relay_mode = ?, relay_retry_limit = ?,
				include_receipt_url_in_relay = ?, auto_cancel_on_refund = ?,
				relay_ignored_events = ?, mytax_profile_id = ?,
				updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		store.Name,
		store.WebhookPath,
		store.IsActive,
		store.DescriptionTemplate,
		store.ItemNameTemplate,
		store.AmountPath,
		store.PaymentIDPath,
		store.CustomerNamePath,
		store.RelayMode,
		store.RelayRetryLimit,
		store.IncludeReceiptURLInRelay,
		store.AutoCancelOnRefund,
		store.RelayIgnoredEvents,
		store.ProfileID,
		now,
		store.ID,
		store.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update store: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	store.UpdatedAt = now
	store.Version++
	return nil
}

func (db *DB) DeleteStore(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM stores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete store: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStoreNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStore(row rowScanner) (*models.Store, error) {
	var store models.Store
	err := row.Scan(
		&store.ID, &store.Name, &store.WebhookPath, &store.IsActive,
		&store.DescriptionTemplate, &store.ItemNameTemplate, &store.AmountPath,
		&store.PaymentIDPath, &store.CustomerNamePath, &store.RelayMode,
		&store.RelayRetryLimit, &store.IncludeReceiptURLInRelay,
		&store.AutoCancelOnRefund, &store.RelayIgnoredEvents, &store.ProfileID,
		&store.CreatedAt, &store.UpdatedAt, &store.Version,
	)
	if err != nil {
		return nil, err
	}
	return &store, nil
}
