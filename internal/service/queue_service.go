package service

import (
	"context"
	"fmt"

	"chekodel/internal/database"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
)

// QueueService — ручные операции над очередью задач фискализации.
type QueueService struct {
	db     *database.DB
	logger *zerolog.Logger
}

func NewQueueService(db *database.DB, logger *zerolog.Logger) *QueueService {
	return &QueueService{db: db, logger: logger}
}

// RetryTask возвращает проваленную задачу в очередь со сброшенным счётчиком
// попыток. Несуществующая задача — ошибка; задача в любом другом статусе —
// no-op, чтобы повторный клик по кнопке не ломал обработку.
func (s *QueueService) RetryTask(ctx context.Context, taskID int64) (bool, error) {
	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	queued, err := s.db.ResetFailedTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !queued {
		return false, nil
	}

	entry := &models.AppLog{
		StoreID: &task.StoreID,
		Level:   "info",
		Event:   "queue_retry",
		Message: fmt.Sprintf("Повтор задачи #%d", task.ID),
	}
	if err := s.db.AppendLog(ctx, entry); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to append audit log")
	}

	s.logger.Info().Int64("task_id", task.ID).Str("task_type", task.TaskType).Msg("Task requeued manually")
	return true, nil
}
