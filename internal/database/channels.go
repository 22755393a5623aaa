package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chekodel/internal/models"
)

func (db *DB) CreateTelegramChannel(ctx context.Context, channel *models.TelegramChannel) error {
	events, err := json.Marshal(channel.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram channel events: %w", err)
	}
	query := `INSERT INTO telegram_channels (store_id, name, bot_token, chat_id, topic_id,
				events, include_receipt_url, is_active, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		channel.StoreID,
		channel.Name,
		channel.BotToken,
		channel.ChatID,
		channel.TopicID,
		string(events),
		channel.IncludeReceiptURL,
		channel.IsActive,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create telegram channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	channel.ID = id
	channel.CreatedAt = now

	return nil
}

func (db *DB) ListTelegramChannels(ctx context.Context, storeID *int64) ([]models.TelegramChannel, error) {
	query := `SELECT id, store_id, name, bot_token, chat_id, topic_id, events,
				include_receipt_url, is_active, created_at
              FROM telegram_channels`
	var args []interface{}
	if storeID != nil {
		query += ` WHERE store_id = ?`
		args = append(args, *storeID)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list telegram channels: %w", err)
	}
	defer rows.Close()

	var channels []models.TelegramChannel
	for rows.Next() {
		var channel models.TelegramChannel
		var events string
		err := rows.Scan(
			&channel.ID, &channel.StoreID, &channel.Name, &channel.BotToken,
			&channel.ChatID, &channel.TopicID, &events, &channel.IncludeReceiptURL,
			&channel.IsActive, &channel.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telegram channel: %w", err)
		}
		if events != "" {
			if err := json.Unmarshal([]byte(events), &channel.Events); err != nil {
				return nil, fmt.Errorf("failed to unmarshal telegram channel events: %w", err)
			}
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// GetActiveChannels возвращает каналы, в которые магазин шлёт уведомления.
func (db *DB) GetActiveChannels(ctx context.Context, storeID int64) ([]models.TelegramChannel, error) {
	channels, err := db.ListTelegramChannels(ctx, &storeID)
	if err != nil {
		return nil, err
	}
	active := channels[:0]
	for _, c := range channels {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active, nil
}

func (db *DB) DeleteTelegramChannel(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM telegram_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete telegram channel: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}
