package database

import (
	"context"
	"fmt"
	"time"

	"chekodel/internal/models"
)

// StatsFilter ограничивает сводку магазином и периодом.
type StatsFilter struct {
	StoreID  *int64
	DateFrom *time.Time
	DateTo   *time.Time
}

// GetStats собирает сводные счётчики по событиям, очереди и чекам.
func (db *DB) GetStats(ctx context.Context, filter StatsFilter) (*models.Stats, error) {
	stats := &models.Stats{}

	counters := []struct {
		table      string
		timeColumn string
		extra      string
		args       []interface{}
		dest       *int64
	}{
		{"webhook_events", "received_at", "", nil, &stats.TotalEvents},
		{"receipt_tasks", "created_at", "status = ?", []interface{}{models.TaskStatusPending}, &stats.PendingTasks},
		{"receipt_tasks", "created_at", "status = ?", []interface{}{models.TaskStatusWaitingAuth}, &stats.WaitingAuthTasks},
		{"receipt_tasks", "created_at", "status = ?", []interface{}{models.TaskStatusSuccess}, &stats.SuccessTasks},
		{"receipt_tasks", "created_at", "status = ?", []interface{}{models.TaskStatusFailed}, &stats.FailedTasks},
		{"receipts", "created_at", "", nil, &stats.TotalReceipts},
	}

	for _, c := range counters {
		query := `SELECT COUNT(*) FROM ` + c.table + ` WHERE 1=1`
		args := c.args
		if c.extra != "" {
			query += ` AND ` + c.extra
		}
		if filter.StoreID != nil {
			query += ` AND store_id = ?`
			args = append(args, *filter.StoreID)
		}
		if filter.DateFrom != nil {
			query += ` AND ` + c.timeColumn + ` >= ?`
			args = append(args, *filter.DateFrom)
		}
		if filter.DateTo != nil {
			query += ` AND ` + c.timeColumn + ` <= ?`
			args = append(args, *filter.DateTo)
		}
		if err := db.QueryRowContext(ctx, query, args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	return stats, nil
}
