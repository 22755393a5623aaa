package database

import (
	"context"
	"fmt"
	"time"

	"chekodel/internal/models"
)

// LogFilter ограничивает выборку журнала аудита.
type LogFilter struct {
	StoreID *int64
	Level   string
	Event   string
	Limit   int
}

// AppendLog пишет запись аудита. Журнал только дописывается, ошибки записи
// не должны ронять бизнес-операцию — решает вызывающий.
func (db *DB) AppendLog(ctx context.Context, entry *models.AppLog) error {
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.Context == "" {
		entry.Context = "{}"
	}
	query := `INSERT INTO app_logs (store_id, level, event, message, context, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		entry.StoreID,
		entry.Level,
		entry.Event,
		entry.Message,
		entry.Context,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to append app log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = now

	return nil
}

func (db *DB) ListLogs(ctx context.Context, filter LogFilter) ([]models.AppLog, error) {
	query := `SELECT id, store_id, level, event, message, context, created_at
              FROM app_logs WHERE 1=1`
	var args []interface{}

	if filter.StoreID != nil {
		query += ` AND store_id = ?`
		args = append(args, *filter.StoreID)
	}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, filter.Level)
	}
	if filter.Event != "" {
		query += ` AND event = ?`
		args = append(args, filter.Event)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list app logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AppLog
	for rows.Next() {
		var entry models.AppLog
		err := rows.Scan(
			&entry.ID, &entry.StoreID, &entry.Level, &entry.Event, &entry.Message,
			&entry.Context, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan app log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
