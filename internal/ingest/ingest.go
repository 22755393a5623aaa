// Package ingest превращает входящие вебхуки платёжного шлюза в события
// и задачи очереди чеков. Сами чеки создаёт воркер: здесь только
// дедупликация, фиксация события и вывод задачи.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"chekodel/internal/database"
	"chekodel/internal/domain"
	"chekodel/internal/models"
	"chekodel/internal/template"

	"github.com/rs/zerolog"
)

// Result — итог приёма вебхука. Событие фиксируется всегда, задача
// появляется только у платёжных и возвратных событий.
type Result struct {
	Event     *models.WebhookEvent
	Task      *models.ReceiptTask
	Duplicate bool
}

// Ingestor принимает вебхуки одного инстанса сервера.
type Ingestor struct {
	db         *database.DB
	dispatcher domain.RelayDispatcher
	notifier   domain.Notifier
	logger     *zerolog.Logger
}

func New(db *database.DB, dispatcher domain.RelayDispatcher, notifier domain.Notifier, logger *zerolog.Logger) *Ingestor {
	return &Ingestor{
		db:         db,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
	}
}

// Ingest обрабатывает тело вебхука магазина: фиксирует событие, отсекает
// дубликаты и ставит задачу на создание либо отзыв чека.
func (i *Ingestor) Ingest(ctx context.Context, store *models.Store, payload []byte) (*Result, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	eventType := "unknown"
	if raw, ok := body["event"].(string); ok && raw != "" {
		eventType = raw
	}
	paymentID := extractPaymentID(body, store)

	duplicate, err := i.db.HasNonFailedTask(ctx, store.ID, eventType, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate webhook: %w", err)
	}

	event := &models.WebhookEvent{
		StoreID:   store.ID,
		EventType: eventType,
		PaymentID: paymentID,
		Payload:   string(payload),
	}
	if duplicate {
		event.Status = models.EventStatusDuplicate
	}
	if err := i.db.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create webhook event: %w", err)
	}

	if duplicate {
		i.audit(ctx, store.ID, "info", "webhook_duplicate",
			fmt.Sprintf("Повторный вебхук %s для платежа %s", eventType, paymentID), payload)
		i.logger.Info().
			Int64("store_id", store.ID).
			Str("event", eventType).
			Str("payment_id", paymentID).
			Msg("Duplicate webhook, no task created")
		return &Result{Event: event, Duplicate: true}, nil
	}

	var task *models.ReceiptTask
	switch eventType {
	case models.GatewayPaymentSucceeded, models.GatewayPaymentWaitingCapture:
		task, err = i.derivePayment(ctx, store, event, body, payload)
	case models.GatewayRefundSucceeded, models.GatewayPaymentCanceled:
		task, err = i.deriveRefund(ctx, store, event, payload)
	default:
		err = i.markIgnored(ctx, store, event, payload)
	}
	if err != nil {
		return nil, err
	}

	i.audit(ctx, store.ID, "info", "webhook_received",
		fmt.Sprintf("Вебхук %s для платежа %s", eventType, paymentID), payload)

	return &Result{Event: event, Task: task}, nil
}

// derivePayment ставит задачу create_receipt. Сумма проверяется здесь же:
// событие без суммы фиксируем, но задачу, которая гарантированно упадёт,
// не создаём.
func (i *Ingestor) derivePayment(ctx context.Context, store *models.Store, event *models.WebhookEvent, body map[string]interface{}, payload []byte) (*models.ReceiptTask, error) {
	if _, err := template.AmountFromContext(template.BuildContext(body, store)); err != nil {
		msg := fmt.Sprintf("Не удалось извлечь сумму по пути %q: %v", store.AmountPath, err)
		event.Status = models.EventStatusFailed
		event.ErrorMessage = msg
		if err := i.db.UpdateEventStatus(ctx, event.ID, models.EventStatusFailed, msg); err != nil {
			return nil, fmt.Errorf("failed to update webhook event status: %w", err)
		}
		i.audit(ctx, store.ID, "warn", "extraction_error", msg, payload)
		i.logger.Warn().
			Int64("store_id", store.ID).
			Int64("event_id", event.ID).
			Str("amount_path", store.AmountPath).
			Msg("Amount extraction failed, no task created")
		return nil, nil
	}

	// Платёж, по которому уже есть живой чек, второй раз не фискализируем
	if _, err := i.db.GetActiveReceiptByPayment(ctx, store.ID, event.PaymentID); err == nil {
		return nil, i.markIgnored(ctx, store, event, payload)
	} else if !errors.Is(err, database.ErrReceiptNotFound) {
		return nil, fmt.Errorf("failed to check existing receipt: %w", err)
	}

	task := &models.ReceiptTask{
		StoreID:   store.ID,
		EventID:   event.ID,
		PaymentID: event.PaymentID,
		TaskType:  models.TaskTypeCreateReceipt,
		Payload:   event.Payload,
	}
	if err := i.db.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create receipt task: %w", err)
	}

	i.notifier.Notify(ctx, i.activeChannels(ctx, store.ID), models.NotifyPaymentReceived,
		fmt.Sprintf("Получен платеж %s (%s)", event.PaymentID, event.EventType), "")
	return task, nil
}

// deriveRefund ставит задачу cancel_receipt, если магазину включён
// автоотзыв и по платежу есть что отзывать.
func (i *Ingestor) deriveRefund(ctx context.Context, store *models.Store, event *models.WebhookEvent, payload []byte) (*models.ReceiptTask, error) {
	if !store.AutoCancelOnRefund {
		return nil, i.markIgnored(ctx, store, event, payload)
	}

	receipt, err := i.db.GetActiveReceiptByPayment(ctx, store.ID, event.PaymentID)
	if errors.Is(err, database.ErrReceiptNotFound) {
		// Отзывать нечего
		return nil, i.markIgnored(ctx, store, event, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up receipt for refund: %w", err)
	}

	taskPayload, err := json.Marshal(map[string]string{"receipt_uuid": receipt.ReceiptUUID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cancel payload: %w", err)
	}

	task := &models.ReceiptTask{
		StoreID:   store.ID,
		EventID:   event.ID,
		PaymentID: event.PaymentID,
		TaskType:  models.TaskTypeCancelReceipt,
		Payload:   string(taskPayload),
	}
	if err := i.db.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create cancel task: %w", err)
	}

	i.notifier.Notify(ctx, i.activeChannels(ctx, store.ID), models.NotifyRefundReceived,
		fmt.Sprintf("Получено уведомление на возврат %s (%s)", event.PaymentID, event.EventType), "")
	return task, nil
}

// markIgnored помечает событие и, если магазин так настроен, ретранслирует
// его как есть: потребителям бывают интересны и события без задач.
func (i *Ingestor) markIgnored(ctx context.Context, store *models.Store, event *models.WebhookEvent, payload []byte) error {
	event.Status = models.EventStatusIgnored
	if err := i.db.UpdateEventStatus(ctx, event.ID, models.EventStatusIgnored, ""); err != nil {
		return fmt.Errorf("failed to mark webhook event ignored: %w", err)
	}

	if !store.RelayIgnoredEvents {
		return nil
	}

	targets, err := i.db.GetActiveRelayTargets(ctx, store.ID)
	if err != nil {
		i.logger.Error().Err(err).Int64("store_id", store.ID).Msg("Failed to load relay targets")
		return nil
	}

	status := i.dispatcher.Dispatch(ctx, store, targets, payload, "")
	event.RelayStatus = status
	if err := i.db.UpdateEventRelayStatus(ctx, event.ID, status); err != nil {
		i.logger.Error().Err(err).Int64("event_id", event.ID).Msg("Failed to record relay status")
	}
	return nil
}

func (i *Ingestor) activeChannels(ctx context.Context, storeID int64) []models.TelegramChannel {
	channels, err := i.db.GetActiveChannels(ctx, storeID)
	if err != nil {
		i.logger.Error().Err(err).Int64("store_id", storeID).Msg("Failed to load telegram channels")
		return nil
	}
	return channels
}

func (i *Ingestor) audit(ctx context.Context, storeID int64, level, event, message string, payload []byte) {
	entry := &models.AppLog{
		StoreID: &storeID,
		Level:   level,
		Event:   event,
		Message: message,
		Context: string(payload),
	}
	if err := i.db.AppendLog(ctx, entry); err != nil {
		i.logger.Error().Err(err).Str("event", event).Msg("Failed to append audit log")
	}
}

// extractPaymentID достаёт идентификатор платежа: сначала путь магазина,
// затем стандартный object.id. Событие фиксируется даже без идентификатора.
func extractPaymentID(body map[string]interface{}, store *models.Store) string {
	if value, ok := template.Lookup(body, store.PaymentIDPath); ok {
		if s := asString(value); s != "" {
			return s
		}
	}
	if value, ok := template.Lookup(body, models.DefaultPaymentIDPath); ok {
		if s := asString(value); s != "" {
			return s
		}
	}
	return "unknown"
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
