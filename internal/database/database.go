package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB оборачивает соединение с SQLite. Все сущности живут в одной базе,
// очередь чеков — обычная таблица, конкурентный доступ разруливается
// оптимистичной блокировкой по колонке version.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: sqlDB, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Магазины: откуда приходят вебхуки и как из payload собирается чек
		`CREATE TABLE IF NOT EXISTS stores (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT UNIQUE NOT NULL,
            webhook_path TEXT UNIQUE NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            description_template TEXT NOT NULL DEFAULT '',
            item_name_template TEXT NOT NULL DEFAULT '',
            amount_path TEXT NOT NULL DEFAULT '',
            payment_id_path TEXT NOT NULL DEFAULT '',
            customer_name_path TEXT NOT NULL DEFAULT '',
            relay_mode TEXT NOT NULL DEFAULT 'retry_until_200',
            relay_retry_limit INTEGER NOT NULL DEFAULT 5,
            include_receipt_url_in_relay BOOLEAN NOT NULL DEFAULT 0,
            auto_cancel_on_refund BOOLEAN NOT NULL DEFAULT 1,
            relay_ignored_events BOOLEAN NOT NULL DEFAULT 1,
            mytax_profile_id INTEGER,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		// Профили «Мой налог»
		`CREATE TABLE IF NOT EXISTS mytax_profiles (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT UNIQUE NOT NULL,
            provider TEXT NOT NULL DEFAULT 'unofficial_api',
            inn TEXT NOT NULL,
            password TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            access_token TEXT NOT NULL DEFAULT '',
            refresh_token TEXT NOT NULL DEFAULT '',
            cookie_blob TEXT NOT NULL DEFAULT '',
            device_id TEXT NOT NULL DEFAULT '',
            token_expires_at DATETIME,
            is_authenticated BOOLEAN NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            last_auth_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		// Входящие события платёжного шлюза, включая дубликаты
		`CREATE TABLE IF NOT EXISTS webhook_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            payment_id TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'received',
            relay_status TEXT NOT NULL DEFAULT 'pending',
            error_message TEXT NOT NULL DEFAULT '',
            received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME
        )`,
		// Очередь операций над чеками
		`CREATE TABLE IF NOT EXISTS receipt_tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER NOT NULL,
            event_id INTEGER NOT NULL,
            payment_id TEXT NOT NULL,
            task_type TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 20,
            next_retry_at DATETIME,
            error_message TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		// Сформированные чеки
		`CREATE TABLE IF NOT EXISTS receipts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER NOT NULL,
            task_id INTEGER NOT NULL,
            payment_id TEXT NOT NULL,
            receipt_uuid TEXT NOT NULL,
            receipt_url TEXT NOT NULL DEFAULT '',
            amount REAL NOT NULL DEFAULT 0,
            currency TEXT NOT NULL DEFAULT 'RUB',
            description TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'created',
            raw_response TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            canceled_at DATETIME
        )`,
		// Внешние потребители ретрансляции
		`CREATE TABLE IF NOT EXISTS relay_targets (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            url TEXT NOT NULL,
            method TEXT NOT NULL DEFAULT 'POST',
            headers TEXT NOT NULL DEFAULT '{}',
            payload_template TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		// Каналы Telegram-уведомлений
		`CREATE TABLE IF NOT EXISTS telegram_channels (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            bot_token TEXT NOT NULL,
            chat_id TEXT NOT NULL,
            topic_id INTEGER,
            events TEXT NOT NULL DEFAULT '[]',
            include_receipt_url BOOLEAN NOT NULL DEFAULT 1,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		// Журнал аудита
		`CREATE TABLE IF NOT EXISTS app_logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            store_id INTEGER,
            level TEXT NOT NULL DEFAULT 'info',
            event TEXT NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            context TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		// Дедупликация и выборки событий
		`CREATE INDEX IF NOT EXISTS idx_events_store_type_payment ON webhook_events(store_id, event_type, payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON webhook_events(received_at)`,

		// Очередь: выборка готовых задач и защита от параллельной обработки
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_retry ON receipt_tasks(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_store_payment ON receipt_tasks(store_id, payment_id, task_type)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_event_id ON receipt_tasks(event_id)`,

		`CREATE INDEX IF NOT EXISTS idx_receipts_store_payment ON receipts(store_id, payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status)`,

		`CREATE INDEX IF NOT EXISTS idx_relay_targets_store ON relay_targets(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_store ON telegram_channels(store_id)`,

		`CREATE INDEX IF NOT EXISTS idx_logs_store ON app_logs(store_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON app_logs(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	return nil
}
