package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chekodel/internal/models"
)

func (db *DB) CreateRelayTarget(ctx context.Context, target *models.RelayTarget) error {
	if target.Method == "" {
		target.Method = "POST"
	}
	headers, err := json.Marshal(target.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal relay target headers: %w", err)
	}
	query := `INSERT INTO relay_targets (store_id, name, url, method, headers, payload_template, is_active, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		target.StoreID,
		target.Name,
		target.URL,
		target.Method,
		string(headers),
		target.PayloadTemplate,
		target.IsActive,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create relay target: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	target.ID = id
	target.CreatedAt = now

	return nil
}

func (db *DB) ListRelayTargets(ctx context.Context, storeID *int64) ([]models.RelayTarget, error) {
	query := `SELECT id, store_id, name, url, method, headers, payload_template, is_active, created_at
              FROM relay_targets`
	var args []interface{}
	if storeID != nil {
		query += ` WHERE store_id = ?`
		args = append(args, *storeID)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay targets: %w", err)
	}
	defer rows.Close()

	var targets []models.RelayTarget
	for rows.Next() {
		var target models.RelayTarget
		var headers string
		err := rows.Scan(
			&target.ID, &target.StoreID, &target.Name, &target.URL, &target.Method,
			&headers, &target.PayloadTemplate, &target.IsActive, &target.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay target: %w", err)
		}
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &target.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal relay target headers: %w", err)
			}
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// GetActiveRelayTargets возвращает цели, которым ретранслируются события
// магазина.
func (db *DB) GetActiveRelayTargets(ctx context.Context, storeID int64) ([]models.RelayTarget, error) {
	targets, err := db.ListRelayTargets(ctx, &storeID)
	if err != nil {
		return nil, err
	}
	active := targets[:0]
	for _, t := range targets {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active, nil
}

func (db *DB) DeleteRelayTarget(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM relay_targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relay target: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTargetNotFound
	}
	return nil
}
