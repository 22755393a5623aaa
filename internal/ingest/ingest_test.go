package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"chekodel/internal/database"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchCall struct {
	targets    int
	payload    []byte
	receiptURL string
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	status string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *models.Store, targets []models.RelayTarget, payload []byte, receiptURL string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{targets: len(targets), payload: payload, receiptURL: receiptURL})
	if f.status == "" {
		return models.RelayStatusSuccess
	}
	return f.status
}

type notifyCall struct {
	event   string
	message string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) Notify(_ context.Context, _ []models.TelegramChannel, eventName, message, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{event: eventName, message: message})
}

func setupIngestor(t *testing.T) (*Ingestor, *database.DB, *fakeDispatcher, *fakeNotifier) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dispatcher := &fakeDispatcher{}
	notifier := &fakeNotifier{}
	return New(db, dispatcher, notifier, &logger), db, dispatcher, notifier
}

func createStore(t *testing.T, db *database.DB, mutate func(*models.Store)) *models.Store {
	t.Helper()
	store := &models.Store{
		Name:               "Магазин",
		WebhookPath:        "shop-1",
		IsActive:           true,
		AutoCancelOnRefund: true,
	}
	store.SetDefaults()
	if mutate != nil {
		mutate(store)
	}
	require.NoError(t, db.CreateStore(context.Background(), store))
	return store
}

func paymentPayload(event, paymentID, amount string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": %q,
		"object": {
			"id": %q,
			"amount": {"value": %q, "currency": "RUB"},
			"metadata": {"customer_name": "Иван"}
		}
	}`, event, paymentID, amount))
}

func insertReceipt(t *testing.T, db *database.DB, storeID int64, paymentID, uuid string) *models.Receipt {
	t.Helper()
	receipt := &models.Receipt{
		StoreID:     storeID,
		TaskID:      1,
		PaymentID:   paymentID,
		ReceiptUUID: uuid,
		Amount:      100,
	}
	require.NoError(t, db.CreateReceipt(context.Background(), receipt))
	return receipt
}

func auditEvents(t *testing.T, db *database.DB, event string) []models.AppLog {
	t.Helper()
	logs, err := db.ListLogs(context.Background(), database.LogFilter{Event: event})
	require.NoError(t, err)
	return logs
}

func TestIngest_PaymentCreatesTask(t *testing.T) {
	ing, db, _, notifier := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayPaymentSucceeded, "pay-1", "199.50"))
	require.NoError(t, err)

	require.NotNil(t, result.Event)
	assert.Equal(t, models.EventStatusReceived, result.Event.Status)
	assert.Equal(t, "pay-1", result.Event.PaymentID)
	assert.Equal(t, models.GatewayPaymentSucceeded, result.Event.EventType)
	assert.False(t, result.Duplicate)

	require.NotNil(t, result.Task)
	assert.Equal(t, models.TaskTypeCreateReceipt, result.Task.TaskType)
	assert.Equal(t, models.TaskStatusPending, result.Task.Status)
	assert.Equal(t, 0, result.Task.Attempts)
	assert.Nil(t, result.Task.NextRetryAt)

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, models.NotifyPaymentReceived, notifier.calls[0].event)
	assert.Equal(t, "Получен платеж pay-1 (payment.succeeded)", notifier.calls[0].message)

	assert.Len(t, auditEvents(t, db, "webhook_received"), 1)
}

func TestIngest_WaitingForCaptureCreatesTask(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayPaymentWaitingCapture, "pay-2", "50.00"))
	require.NoError(t, err)

	require.NotNil(t, result.Task)
	assert.Equal(t, models.TaskTypeCreateReceipt, result.Task.TaskType)
}

func TestIngest_DuplicateWebhook(t *testing.T) {
	ing, db, _, notifier := setupIngestor(t)
	store := createStore(t, db, nil)
	payload := paymentPayload(models.GatewayPaymentSucceeded, "pay-1", "199.50")

	first, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)
	require.NotNil(t, first.Task)

	second, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Task)
	assert.Equal(t, models.EventStatusDuplicate, second.Event.Status)

	tasks, err := db.ListTasks(context.Background(), database.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// Событие-дубликат всё равно фиксируется
	events, err := db.ListEvents(context.Background(), database.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.Len(t, auditEvents(t, db, "webhook_duplicate"), 1)
	require.Len(t, notifier.calls, 1)
}

func TestIngest_RetryAfterFailedTaskIsNotDuplicate(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)
	payload := paymentPayload(models.GatewayPaymentSucceeded, "pay-1", "199.50")

	first, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)
	require.NoError(t, db.ClaimTask(context.Background(), first.Task))
	require.NoError(t, db.FailTask(context.Background(), first.Task, "boom"))

	second, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	require.NotNil(t, second.Task)
}

func TestIngest_AmountMissing(t *testing.T) {
	ing, db, _, notifier := setupIngestor(t)
	store := createStore(t, db, nil)
	payload := []byte(`{"event": "payment.succeeded", "object": {"id": "pay-3"}}`)

	result, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)

	assert.Nil(t, result.Task)
	assert.Equal(t, models.EventStatusFailed, result.Event.Status)
	assert.Contains(t, result.Event.ErrorMessage, store.AmountPath)

	stored, err := db.GetEvent(context.Background(), result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, stored.Status)

	assert.Len(t, auditEvents(t, db, "extraction_error"), 1)
	assert.Empty(t, notifier.calls)
}

func TestIngest_ExistingReceiptIgnoresPayment(t *testing.T) {
	ing, db, _, notifier := setupIngestor(t)
	store := createStore(t, db, nil)
	insertReceipt(t, db, store.ID, "pay-1", "uuid-1")

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayPaymentSucceeded, "pay-1", "199.50"))
	require.NoError(t, err)

	assert.Nil(t, result.Task)
	assert.Equal(t, models.EventStatusIgnored, result.Event.Status)
	assert.Empty(t, notifier.calls)
}

func TestIngest_RefundCreatesCancelTask(t *testing.T) {
	ing, db, _, notifier := setupIngestor(t)
	store := createStore(t, db, nil)
	insertReceipt(t, db, store.ID, "pay-1", "uuid-1")

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayRefundSucceeded, "pay-1", "199.50"))
	require.NoError(t, err)

	require.NotNil(t, result.Task)
	assert.Equal(t, models.TaskTypeCancelReceipt, result.Task.TaskType)

	var taskPayload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Task.Payload), &taskPayload))
	assert.Equal(t, "uuid-1", taskPayload["receipt_uuid"])

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, models.NotifyRefundReceived, notifier.calls[0].event)
	assert.Equal(t, "Получено уведомление на возврат pay-1 (refund.succeeded)", notifier.calls[0].message)
}

func TestIngest_PaymentCanceledAlsoCancels(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)
	insertReceipt(t, db, store.ID, "pay-1", "uuid-1")

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayPaymentCanceled, "pay-1", "199.50"))
	require.NoError(t, err)

	require.NotNil(t, result.Task)
	assert.Equal(t, models.TaskTypeCancelReceipt, result.Task.TaskType)
}

func TestIngest_RefundWithoutReceiptIgnored(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayRefundSucceeded, "pay-9", "10.00"))
	require.NoError(t, err)

	assert.Nil(t, result.Task)
	assert.Equal(t, models.EventStatusIgnored, result.Event.Status)
}

func TestIngest_RefundAutoCancelDisabled(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, func(s *models.Store) {
		s.AutoCancelOnRefund = false
	})
	insertReceipt(t, db, store.ID, "pay-1", "uuid-1")

	result, err := ing.Ingest(context.Background(), store, paymentPayload(models.GatewayRefundSucceeded, "pay-1", "199.50"))
	require.NoError(t, err)

	assert.Nil(t, result.Task)
	assert.Equal(t, models.EventStatusIgnored, result.Event.Status)
}

func TestIngest_UnknownEventIgnored(t *testing.T) {
	ing, db, dispatcher, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, []byte(`{"event": "deal.created", "object": {"id": "pay-5"}}`))
	require.NoError(t, err)

	assert.Nil(t, result.Task)
	assert.Equal(t, models.EventStatusIgnored, result.Event.Status)
	assert.Empty(t, dispatcher.calls)
}

func TestIngest_IgnoredEventRelayed(t *testing.T) {
	ing, db, dispatcher, _ := setupIngestor(t)
	store := createStore(t, db, func(s *models.Store) {
		s.RelayIgnoredEvents = true
	})
	require.NoError(t, db.CreateRelayTarget(context.Background(), &models.RelayTarget{
		StoreID:  store.ID,
		Name:     "crm",
		URL:      "https://crm.example/hook",
		IsActive: true,
	}))

	payload := []byte(`{"event": "deal.created", "object": {"id": "pay-5"}}`)
	result, err := ing.Ingest(context.Background(), store, payload)
	require.NoError(t, err)

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, 1, dispatcher.calls[0].targets)
	assert.JSONEq(t, string(payload), string(dispatcher.calls[0].payload))
	assert.Empty(t, dispatcher.calls[0].receiptURL)

	assert.Equal(t, models.RelayStatusSuccess, result.Event.RelayStatus)
	stored, err := db.GetEvent(context.Background(), result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RelayStatusSuccess, stored.RelayStatus)
}

func TestIngest_PayloadWithoutEventField(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, []byte(`{"object": {"id": "pay-7"}}`))
	require.NoError(t, err)

	assert.Equal(t, "unknown", result.Event.EventType)
	assert.Equal(t, "pay-7", result.Event.PaymentID)
	assert.Equal(t, models.EventStatusIgnored, result.Event.Status)
}

func TestIngest_PaymentIDFallbacks(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, func(s *models.Store) {
		s.PaymentIDPath = "object.payment.number"
	})

	// Путь магазина пустой, object.id на месте
	result, err := ing.Ingest(context.Background(), store, []byte(`{"event": "deal.created", "object": {"id": "pay-8"}}`))
	require.NoError(t, err)
	assert.Equal(t, "pay-8", result.Event.PaymentID)

	// Нет вообще ничего
	result, err = ing.Ingest(context.Background(), store, []byte(`{"event": "deal.created"}`))
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Event.PaymentID)
}

func TestIngest_NumericPaymentID(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	result, err := ing.Ingest(context.Background(), store, []byte(`{"event": "deal.created", "object": {"id": 123456}}`))
	require.NoError(t, err)
	assert.Equal(t, "123456", result.Event.PaymentID)
}

func TestIngest_MalformedJSON(t *testing.T) {
	ing, db, _, _ := setupIngestor(t)
	store := createStore(t, db, nil)

	_, err := ing.Ingest(context.Background(), store, []byte(`{not json`))
	require.Error(t, err)

	events, err := db.ListEvents(context.Background(), database.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
