// Package worker разгребает очередь задач фискализации: захватывает задачи,
// ходит в «Мой налог» и доводит задачу и её событие до конечного статуса.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/database"
	"chekodel/internal/domain"
	"chekodel/internal/metrics"
	"chekodel/internal/models"
	"chekodel/internal/mytax"
	"chekodel/internal/template"

	"github.com/rs/zerolog"
)

// validationError — локально неисправимая задача: повторять бессмысленно,
// задача сразу уходит в failed.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

// Worker обрабатывает очередь чеков одного инстанса. Несколько воркеров над
// одной базой не мешают друг другу: захват задачи атомарный.
type Worker struct {
	db         *database.DB
	factory    domain.ProviderFactory
	dispatcher domain.RelayDispatcher
	notifier   domain.Notifier
	logger     *zerolog.Logger

	retry         RetryPolicy
	pollInterval  time.Duration
	batchSize     int
	stuckAfter    time.Duration
	sweepInterval time.Duration
}

func New(db *database.DB, factory domain.ProviderFactory, dispatcher domain.RelayDispatcher, notifier domain.Notifier, cfg config.WorkerConfig, logger *zerolog.Logger) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	return &Worker{
		db:         db,
		factory:    factory,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		retry: RetryPolicy{
			MaxRetries:    models.DefaultMaxAttempts,
			InitialDelay:  20 * time.Second,
			MaxDelay:      5 * time.Minute,
			BackoffFactor: 2,
		},
		pollInterval:  config.Duration(cfg.PollInterval, 5*time.Second),
		batchSize:     batch,
		stuckAfter:    config.Duration(cfg.StuckAfter, 5*time.Minute),
		sweepInterval: config.Duration(cfg.SweepInterval, time.Minute),
	}
}

// Start крутит цикл обработки до отмены контекста. Перед первым опросом
// возвращает в очередь задачи, зависшие в processing после падения процесса.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().
		Dur("poll_interval", w.pollInterval).
		Int("batch_size", w.batchSize).
		Msg("Worker started")
	defer w.logger.Info().Msg("Worker stopped")

	w.sweep(ctx)

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(w.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			w.sweep(ctx)
		case <-pollTicker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch забирает готовые задачи и обрабатывает их по одной.
// Возвращает число задач, взятых из очереди.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	tasks, err := w.db.GetReadyTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to fetch ready tasks")
		return 0
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return i
		}
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks)
}

func (w *Worker) processTask(ctx context.Context, task *models.ReceiptTask) {
	if err := w.db.ClaimTask(ctx, task); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			w.logger.Debug().Int64("task_id", task.ID).Msg("Task already claimed, skipping")
			return
		}
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to claim task")
		return
	}

	store, err := w.db.GetStore(ctx, task.StoreID)
	if err != nil {
		w.failTask(ctx, task, nil, "Store/event/profile not found")
		return
	}
	event, err := w.db.GetEvent(ctx, task.EventID)
	if err != nil {
		w.failTask(ctx, task, nil, "Store/event/profile not found")
		return
	}
	if store.ProfileID == nil {
		w.failTask(ctx, task, event, "Store/event/profile not found")
		return
	}
	profile, err := w.db.GetProfile(ctx, *store.ProfileID)
	if err != nil {
		w.failTask(ctx, task, event, "Store/event/profile not found")
		return
	}

	adapter, err := w.factory(profile)
	if err != nil {
		w.failTask(ctx, task, event, err.Error())
		return
	}

	session, err := adapter.EnsureAuthenticated(ctx)
	if err != nil {
		w.handleFailure(ctx, task, event, profile, err)
		return
	}
	if session != nil {
		// Токены обновились тихо — сохраняем, чтобы следующая задача
		// не обновляла их заново
		if err := w.db.UpdateProfileAuthState(ctx, profile); err != nil {
			w.logger.Error().Err(err).Int64("profile_id", profile.ID).Msg("Failed to persist refreshed tokens")
		}
	}

	switch task.TaskType {
	case models.TaskTypeCreateReceipt:
		err = w.handleCreate(ctx, task, store, event, adapter)
	case models.TaskTypeCancelReceipt:
		err = w.handleCancel(ctx, task, store, event, adapter)
	default:
		err = &validationError{msg: fmt.Sprintf("неизвестный тип задачи: %s", task.TaskType)}
	}
	if err != nil {
		w.handleFailure(ctx, task, event, profile, err)
		return
	}

	if err := w.db.UpdateEventStatus(ctx, event.ID, models.EventStatusProcessed, ""); err != nil {
		w.logger.Error().Err(err).Int64("event_id", event.ID).Msg("Failed to mark event processed")
	}
	if err := w.db.CompleteTask(ctx, task); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to complete task")
		return
	}

	w.audit(ctx, task.StoreID, "info", "task_success",
		fmt.Sprintf("Задача %s выполнена для платежа %s", task.TaskType, task.PaymentID))
	metrics.IncTask(task.TaskType, "success")
	w.logger.Info().
		Int64("task_id", task.ID).
		Str("task_type", task.TaskType).
		Str("payment_id", task.PaymentID).
		Msg("Task completed")
}

func (w *Worker) handleCreate(ctx context.Context, task *models.ReceiptTask, store *models.Store, event *models.WebhookEvent, adapter mytax.Client) error {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return &validationError{msg: fmt.Sprintf("повреждённый payload события: %v", err)}
	}

	tplContext := template.BuildContext(payload, store)
	description := template.Render(store.DescriptionTemplate, tplContext)
	amount, err := template.AmountFromContext(tplContext)
	if err != nil {
		return &validationError{msg: err.Error()}
	}

	result, err := adapter.CreateReceipt(ctx, mytax.ReceiptRequest{
		Description: description,
		Amount:      amount,
		PaymentID:   task.PaymentID,
	})
	if err != nil {
		metrics.IncProvider("create_receipt", providerOutcome(err))
		return err
	}
	metrics.IncProvider("create_receipt", "success")

	receipt := &models.Receipt{
		StoreID:     store.ID,
		TaskID:      task.ID,
		PaymentID:   task.PaymentID,
		ReceiptUUID: result.ReceiptUUID,
		ReceiptURL:  result.ReceiptURL,
		Amount:      amount,
		Description: description,
		RawResponse: string(result.Raw),
	}
	if err := w.db.CreateReceipt(ctx, receipt); err != nil {
		// Чек уже существует на стороне провайдера: повторная попытка
		// найдёт его через lookup и не создаст дубликат
		return fmt.Errorf("failed to persist receipt: %w", err)
	}

	w.relayEvent(ctx, store, event, result.ReceiptURL)
	w.notify(ctx, store.ID, models.NotifyReceiptCreated,
		fmt.Sprintf("Сформирован чек для платежа %s", task.PaymentID), result.ReceiptURL)
	return nil
}

func (w *Worker) handleCancel(ctx context.Context, task *models.ReceiptTask, store *models.Store, event *models.WebhookEvent, adapter mytax.Client) error {
	var payload struct {
		ReceiptUUID string `json:"receipt_uuid"`
	}
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return &validationError{msg: fmt.Sprintf("повреждённый payload задачи: %v", err)}
	}
	if payload.ReceiptUUID == "" {
		return &validationError{msg: "Не найден receipt_uuid для отмены чека"}
	}

	if err := adapter.CancelReceipt(ctx, payload.ReceiptUUID); err != nil {
		metrics.IncProvider("cancel_receipt", providerOutcome(err))
		return err
	}
	metrics.IncProvider("cancel_receipt", "success")

	if err := w.db.MarkReceiptCanceled(ctx, store.ID, task.PaymentID); err != nil {
		if !errors.Is(err, database.ErrReceiptNotFound) {
			return fmt.Errorf("failed to mark receipt canceled: %w", err)
		}
		w.logger.Warn().
			Int64("task_id", task.ID).
			Str("payment_id", task.PaymentID).
			Msg("No local receipt row to cancel")
	}

	w.relayEvent(ctx, store, event, "")
	w.notify(ctx, store.ID, models.NotifyReceiptCanceled,
		fmt.Sprintf("Чек отозван для платежа %s", task.PaymentID), "")
	return nil
}

// handleFailure раскладывает ошибку по судьбам задачи: переавторизация,
// повтор или окончательный провал.
func (w *Worker) handleFailure(ctx context.Context, task *models.ReceiptTask, event *models.WebhookEvent, profile *models.MyTaxProfile, cause error) {
	var authErr *mytax.AuthError
	if errors.As(cause, &authErr) {
		w.parkWaitingAuth(ctx, task, event, profile, authErr)
		return
	}

	var vErr *validationError
	if errors.As(cause, &vErr) {
		w.failTask(ctx, task, event, vErr.Error())
		return
	}

	var apiErr *mytax.APIError
	if errors.As(cause, &apiErr) && !apiErr.Transient() {
		// Провайдер отверг запрос по существу, повтор этого не изменит
		w.failTask(ctx, task, event, apiErr.Error())
		return
	}

	w.retryOrFail(ctx, task, event, cause)
}

func (w *Worker) parkWaitingAuth(ctx context.Context, task *models.ReceiptTask, event *models.WebhookEvent, profile *models.MyTaxProfile, cause *mytax.AuthError) {
	if err := w.db.ParkTaskWaitingAuth(ctx, task, cause.Error()); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to park task waiting_auth")
		return
	}
	w.markEventFailed(ctx, event, cause.Error())

	// Снимаем флаг авторизации: без этого успешный повторный вход не даст
	// перехода false → true и припаркованные задачи не вернутся в очередь
	if profile.IsAuthenticated {
		profile.IsAuthenticated = false
		profile.LastError = cause.Error()
		if err := w.db.UpdateProfileAuthState(ctx, profile); err != nil {
			w.logger.Error().Err(err).Int64("profile_id", profile.ID).Msg("Failed to persist profile auth state")
		}
	}

	w.audit(ctx, task.StoreID, "warn", "task_waiting_auth",
		fmt.Sprintf("Задача для платежа %s ждёт переавторизации: %s", task.PaymentID, cause.Error()))
	w.notify(ctx, task.StoreID, models.NotifyAuthRequired,
		fmt.Sprintf("Требуется переавторизация Мой Налог: %s", cause.Error()), "")
	metrics.IncTask(task.TaskType, "waiting_auth")
	w.logger.Warn().
		Int64("task_id", task.ID).
		Str("payment_id", task.PaymentID).
		Msg("Task parked until profile re-authentication")
}

func (w *Worker) retryOrFail(ctx context.Context, task *models.ReceiptTask, event *models.WebhookEvent, cause error) {
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.retry.MaxRetries
	}

	nextAttempt := task.Attempts + 1
	if nextAttempt >= maxAttempts {
		w.failTask(ctx, task, event, cause.Error())
		return
	}

	nextRetryAt := time.Now().Add(w.retry.NextDelay(nextAttempt))
	if err := w.db.RescheduleTask(ctx, task, cause.Error(), nextRetryAt); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to reschedule task")
		return
	}
	w.markEventFailed(ctx, event, cause.Error())
	metrics.IncTask(task.TaskType, "retry")
	w.logger.Warn().
		Err(cause).
		Int64("task_id", task.ID).
		Int("attempts", task.Attempts).
		Time("next_retry_at", nextRetryAt).
		Msg("Task rescheduled")
}

func (w *Worker) failTask(ctx context.Context, task *models.ReceiptTask, event *models.WebhookEvent, errMsg string) {
	if err := w.db.FailTask(ctx, task, errMsg); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task failed")
		return
	}
	w.markEventFailed(ctx, event, errMsg)

	w.audit(ctx, task.StoreID, "error", "task_failed",
		fmt.Sprintf("Задача %s провалена для платежа %s: %s", task.TaskType, task.PaymentID, errMsg))
	metrics.IncTask(task.TaskType, "failed")
	w.logger.Error().
		Str("error", errMsg).
		Int64("task_id", task.ID).
		Str("payment_id", task.PaymentID).
		Msg("Task failed")
}

func (w *Worker) markEventFailed(ctx context.Context, event *models.WebhookEvent, errMsg string) {
	if event == nil {
		return
	}
	event.Status = models.EventStatusFailed
	event.ErrorMessage = errMsg
	if err := w.db.UpdateEventStatus(ctx, event.ID, models.EventStatusFailed, errMsg); err != nil {
		w.logger.Error().Err(err).Int64("event_id", event.ID).Msg("Failed to mark event failed")
	}
}

// relayEvent ретранслирует исходный payload события. Сбои доставки статус
// задачи не меняют.
func (w *Worker) relayEvent(ctx context.Context, store *models.Store, event *models.WebhookEvent, receiptURL string) {
	targets, err := w.db.GetActiveRelayTargets(ctx, store.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("store_id", store.ID).Msg("Failed to load relay targets")
		return
	}

	status := w.dispatcher.Dispatch(ctx, store, targets, []byte(event.Payload), receiptURL)
	event.RelayStatus = status
	metrics.IncRelay(status)
	if err := w.db.UpdateEventRelayStatus(ctx, event.ID, status); err != nil {
		w.logger.Error().Err(err).Int64("event_id", event.ID).Msg("Failed to record relay status")
	}
}

func (w *Worker) notify(ctx context.Context, storeID int64, eventName, message, receiptURL string) {
	channels, err := w.db.GetActiveChannels(ctx, storeID)
	if err != nil {
		w.logger.Error().Err(err).Int64("store_id", storeID).Msg("Failed to load telegram channels")
		return
	}
	w.notifier.Notify(ctx, channels, eventName, message, receiptURL)
}

func (w *Worker) audit(ctx context.Context, storeID int64, level, event, message string) {
	entry := &models.AppLog{
		StoreID: &storeID,
		Level:   level,
		Event:   event,
		Message: message,
	}
	if err := w.db.AppendLog(ctx, entry); err != nil {
		w.logger.Error().Err(err).Str("event", event).Msg("Failed to append audit log")
	}
}

// sweep возвращает зависшие задачи в очередь и обновляет метрики глубины.
func (w *Worker) sweep(ctx context.Context) {
	released, err := w.db.ReleaseStuckTasks(ctx, w.stuckAfter)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to release stuck tasks")
	} else if released > 0 {
		w.logger.Warn().Int64("released", released).Msg("Released stuck tasks back to queue")
	}

	statuses := []string{
		models.TaskStatusPending,
		models.TaskStatusProcessing,
		models.TaskStatusFailed,
		models.TaskStatusWaitingAuth,
	}
	for _, status := range statuses {
		count, err := w.db.CountTasksByStatus(ctx, status)
		if err != nil {
			w.logger.Error().Err(err).Str("status", status).Msg("Failed to count tasks")
			continue
		}
		metrics.SetQueueDepth(status, count)
	}
}

func providerOutcome(err error) string {
	var authErr *mytax.AuthError
	if errors.As(err, &authErr) {
		return "auth_error"
	}
	var apiErr *mytax.APIError
	if errors.As(err, &apiErr) && apiErr.Transient() {
		return "transient_error"
	}
	return "error"
}
