package models

// Статусы задач очереди чеков.
const (
	TaskStatusPending     = "pending"
	TaskStatusProcessing  = "processing"
	TaskStatusSuccess     = "success"
	TaskStatusFailed      = "failed"
	TaskStatusWaitingAuth = "waiting_auth"
)

// Типы задач.
const (
	TaskTypeCreateReceipt = "create_receipt"
	TaskTypeCancelReceipt = "cancel_receipt"
)

// Статусы входящих событий.
const (
	EventStatusReceived  = "received"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
	EventStatusIgnored   = "ignored"
	EventStatusDuplicate = "duplicate"
)

// Статусы ретрансляции события внешним потребителям.
const (
	RelayStatusPending      = "pending"
	RelayStatusSuccess      = "success"
	RelayStatusPartialError = "partial_error"
	RelayStatusError        = "error"
	RelayStatusNoTargets    = "no_targets"
)

// Режимы ретрансляции.
const (
	RelayModeFireAndForget = "fire_and_forget"
	RelayModeRetryUntil200 = "retry_until_200"
)

// Провайдеры «Мой налог».
const (
	ProviderOfficialAPI   = "official_api"
	ProviderUnofficialAPI = "unofficial_api"
)

// Статусы чеков.
const (
	ReceiptStatusCreated  = "created"
	ReceiptStatusCanceled = "canceled"
)

// События для Telegram уведомлений.
const (
	NotifyPaymentReceived = "payment_received"
	NotifyRefundReceived  = "refund_received"
	NotifyReceiptCreated  = "receipt_created"
	NotifyReceiptCanceled = "receipt_canceled"
	NotifyAuthRequired    = "mytax_auth_required"
)

// Типы событий платёжного шлюза, из которых выводятся задачи.
const (
	GatewayPaymentSucceeded      = "payment.succeeded"
	GatewayPaymentWaitingCapture = "payment.waiting_for_capture"
	GatewayRefundSucceeded       = "refund.succeeded"
	GatewayPaymentCanceled       = "payment.canceled"
)

// Значения по умолчанию для нового магазина и задач.
const (
	DefaultDescriptionTemplate = "Оплата заказа {{payment_id}}"
	DefaultItemNameTemplate    = "Услуга {{payment_id}}"
	DefaultAmountPath          = "object.amount.value"
	DefaultPaymentIDPath       = "object.id"
	DefaultCustomerNamePath    = "object.metadata.customer_name"
	DefaultRelayRetryLimit     = 5
	DefaultMaxAttempts         = 20
	DefaultCurrency            = "RUB"
)
