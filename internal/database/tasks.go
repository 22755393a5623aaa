package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/models"
)

const taskColumns = `id, store_id, event_id, payment_id, task_type, payload, status,
	attempts, max_attempts, next_retry_at, error_message, created_at, updated_at, version`

// TaskFilter ограничивает выборку задач.
type TaskFilter struct {
	StoreID *int64
	Status  string
	Limit   int
}

func (db *DB) CreateTask(ctx context.Context, task *models.ReceiptTask) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = models.DefaultMaxAttempts
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	query := `INSERT INTO receipt_tasks (store_id, event_id, payment_id, task_type, payload, status,
				attempts, max_attempts, next_retry_at, error_message, created_at, updated_at, version)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		task.StoreID,
		task.EventID,
		task.PaymentID,
		task.TaskType,
		task.Payload,
		task.Status,
		task.Attempts,
		task.MaxAttempts,
		task.NextRetryAt,
		task.ErrorMessage,
		now,
		now,
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to create receipt task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1

	return nil
}

func (db *DB) GetTask(ctx context.Context, id int64) (*models.ReceiptTask, error) {
	query := `SELECT ` + taskColumns + ` FROM receipt_tasks WHERE id = ?`
	task, err := scanTask(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt task: %w", err)
	}
	return task, nil
}

func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]models.ReceiptTask, error) {
	query := `SELECT ` + taskColumns + ` FROM receipt_tasks WHERE 1=1`
	var args []interface{}

	if filter.StoreID != nil {
		query += ` AND store_id = ?`
		args = append(args, *filter.StoreID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipt tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetReadyTasks выбирает задачи, готовые к обработке: pending и либо без
// отложенного повтора, либо с наступившим next_retry_at. Старые первыми.
func (db *DB) GetReadyTasks(ctx context.Context, limit int) ([]models.ReceiptTask, error) {
	query := `SELECT ` + taskColumns + `
              FROM receipt_tasks
              WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.TaskStatusPending, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ready tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ClaimTask атомарно захватывает задачу в обработку. Условие двойное:
// версия не изменилась с момента выборки, и по этому платежу нет другой
// задачи того же типа уже в processing. Проигравший получает
// ErrConcurrentModification и просто пропускает задачу.
func (db *DB) ClaimTask(ctx context.Context, task *models.ReceiptTask) error {
	query := `UPDATE receipt_tasks SET status = ?, updated_at = ?, version = version + 1
              WHERE id = ? AND status = ? AND version = ?
              AND NOT EXISTS (
                  SELECT 1 FROM receipt_tasks t2
                  WHERE t2.store_id = receipt_tasks.store_id
                    AND t2.payment_id = receipt_tasks.payment_id
                    AND t2.task_type = receipt_tasks.task_type
                    AND t2.status = ?
                    AND t2.id != receipt_tasks.id
              )`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		models.TaskStatusProcessing, now,
		task.ID, models.TaskStatusPending, task.Version,
		models.TaskStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to claim receipt task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	task.Status = models.TaskStatusProcessing
	task.UpdatedAt = now
	task.Version++
	return nil
}

// CompleteTask завершает захваченную задачу успехом.
func (db *DB) CompleteTask(ctx context.Context, task *models.ReceiptTask) error {
	return db.transitionTask(ctx, task, models.TaskStatusSuccess, "", nil, false)
}

// FailTask окончательно проваливает задачу: ручной retry сможет вернуть её
// в очередь, автоматика — нет.
func (db *DB) FailTask(ctx context.Context, task *models.ReceiptTask, errMsg string) error {
	return db.transitionTask(ctx, task, models.TaskStatusFailed, errMsg, nil, false)
}

// ParkTaskWaitingAuth паркует задачу до переавторизации профиля. Счётчик
// попыток не трогаем: ожидание авторизации — не вина задачи.
func (db *DB) ParkTaskWaitingAuth(ctx context.Context, task *models.ReceiptTask, errMsg string) error {
	return db.transitionTask(ctx, task, models.TaskStatusWaitingAuth, errMsg, nil, false)
}

// RescheduleTask возвращает задачу в pending с инкрементом попыток и
// отложенным повтором.
func (db *DB) RescheduleTask(ctx context.Context, task *models.ReceiptTask, errMsg string, nextRetryAt time.Time) error {
	return db.transitionTask(ctx, task, models.TaskStatusPending, errMsg, &nextRetryAt, true)
}

func (db *DB) transitionTask(ctx context.Context, task *models.ReceiptTask, status, errMsg string, nextRetryAt *time.Time, bumpAttempts bool) error {
	query := `UPDATE receipt_tasks SET status = ?, error_message = ?, next_retry_at = ?,
				updated_at = ?, version = version + 1`
	if bumpAttempts {
		query += `, attempts = attempts + 1`
	}
	query += ` WHERE id = ? AND version = ?`

	now := time.Now()
	result, err := db.ExecContext(ctx, query, status, errMsg, nextRetryAt, now, task.ID, task.Version)
	if err != nil {
		return fmt.Errorf("failed to transition receipt task to %s: %w", status, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}

	task.Status = status
	task.ErrorMessage = errMsg
	task.NextRetryAt = nextRetryAt
	task.UpdatedAt = now
	task.Version++
	if bumpAttempts {
		task.Attempts++
	}
	return nil
}

// ReleaseStuckTasks возвращает в очередь задачи, зависшие в processing
// дольше olderThan — след упавшего процесса, не снявшего захват.
func (db *DB) ReleaseStuckTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE receipt_tasks SET status = ?, updated_at = ?, version = version + 1
              WHERE status = ? AND updated_at <= ?`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		models.TaskStatusPending, now,
		models.TaskStatusProcessing, now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck tasks: %w", err)
	}
	released, _ := result.RowsAffected()
	return released, nil
}

// RequeueWaitingAuthTasks возвращает в pending все задачи waiting_auth
// магазинов, привязанных к профилю. next_retry_at сбрасывается, порядок
// обработки остаётся FIFO по created_at.
func (db *DB) RequeueWaitingAuthTasks(ctx context.Context, profileID int64) (int64, error) {
	query := `UPDATE receipt_tasks SET status = ?, next_retry_at = NULL, error_message = '',
				updated_at = ?, version = version + 1
              WHERE status = ?
              AND store_id IN (SELECT id FROM stores WHERE mytax_profile_id = ?)`
	result, err := db.ExecContext(ctx, query,
		models.TaskStatusPending, time.Now(),
		models.TaskStatusWaitingAuth, profileID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue waiting_auth tasks: %w", err)
	}
	requeued, _ := result.RowsAffected()
	return requeued, nil
}

// ResetFailedTask вручную возвращает проваленную задачу в очередь со
// сброшенным счётчиком попыток. Возвращает false, если задача уже не в
// failed — повторный запрос безопасен.
func (db *DB) ResetFailedTask(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE receipt_tasks SET status = ?, attempts = 0, next_retry_at = NULL,
				error_message = '', updated_at = ?, version = version + 1
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query,
		models.TaskStatusPending, time.Now(),
		id, models.TaskStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset failed task: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// CountTasksByStatus используется для метрик глубины очереди.
func (db *DB) CountTasksByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipt_tasks WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	return count, nil
}

func collectTasks(rows *sql.Rows) ([]models.ReceiptTask, error) {
	var tasks []models.ReceiptTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.ReceiptTask, error) {
	var task models.ReceiptTask
	err := row.Scan(
		&task.ID, &task.StoreID, &task.EventID, &task.PaymentID, &task.TaskType,
		&task.Payload, &task.Status, &task.Attempts, &task.MaxAttempts,
		&task.NextRetryAt, &task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt,
		&task.Version,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}
