// Package relay пересылает исходные вебхуки платёжного шлюза на внешние
// адреса, настроенные у магазина.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/models"
	"chekodel/internal/template"

	"github.com/rs/zerolog"
)

// Backoff — экспоненциальная пауза между повторами доставки.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// NextDelay возвращает паузу перед попыткой attempt (нумерация с 1).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}

	delay := time.Duration(float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1)))
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

// SleepFunc подменяется в тестах, чтобы повторы шли без пауз.
type SleepFunc func(ctx context.Context, d time.Duration)

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Dispatcher доставляет payload вебхука по целям магазина. Состояние задач
// и чеков не трогает: ретрансляция — побочный канал.
type Dispatcher struct {
	client  *http.Client
	logger  *zerolog.Logger
	backoff Backoff
	sleep   SleepFunc
}

func NewDispatcher(cfg config.RelayConfig, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: config.Duration(cfg.Timeout, 15*time.Second)},
		logger: logger,
		backoff: Backoff{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2,
		},
		sleep: sleepWithContext,
	}
}

// Dispatch шлёт payload всем целям и возвращает итоговый статус для события:
// no_targets, success, partial_error (fire_and_forget с потерями) либо error
// (retry_until_200 исчерпал попытки).
func (d *Dispatcher) Dispatch(ctx context.Context, store *models.Store, targets []models.RelayTarget, payload []byte, receiptURL string) string {
	if len(targets) == 0 {
		return models.RelayStatusNoTargets
	}

	body := buildBody(store, payload, receiptURL)

	failures := 0
	for idx := range targets {
		target := &targets[idx]
		if err := d.deliver(ctx, store, target, body); err != nil {
			failures++
			d.logger.Error().Err(err).
				Int64("store_id", store.ID).
				Str("target", target.Name).
				Str("url", target.URL).
				Msg("Relay delivery failed")
		}
	}

	switch {
	case failures == 0:
		return models.RelayStatusSuccess
	case store.RelayMode == models.RelayModeRetryUntil200:
		return models.RelayStatusError
	default:
		return models.RelayStatusPartialError
	}
}

// buildBody — копия payload, при необходимости обогащённая ссылкой на чек.
func buildBody(store *models.Store, payload []byte, receiptURL string) []byte {
	if !store.IncludeReceiptURLInRelay || receiptURL == "" {
		return payload
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return payload
	}
	body["generated_receipt_url"] = receiptURL

	enriched, err := json.Marshal(body)
	if err != nil {
		return payload
	}
	return enriched
}

func (d *Dispatcher) deliver(ctx context.Context, store *models.Store, target *models.RelayTarget, body []byte) error {
	attempts := 1
	if store.RelayMode == models.RelayModeRetryUntil200 {
		attempts = store.RelayRetryLimit
		if attempts <= 0 {
			attempts = models.DefaultRelayRetryLimit
		}
	}

	requestBody := renderBody(target, body)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			d.sleep(ctx, d.backoff.NextDelay(attempt-1))
		}
		if err := d.send(ctx, target, requestBody); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		return nil
	}
	return lastErr
}

// renderBody прогоняет payload через шаблон цели. Результат, не являющийся
// JSON, заворачивается строкой рядом с исходным payload.
func renderBody(target *models.RelayTarget, body []byte) []byte {
	if target.PayloadTemplate == "" {
		return body
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		payload = map[string]any{}
	}

	rendered := template.Render(target.PayloadTemplate, template.RelayContext(payload))

	var check any
	if err := json.Unmarshal([]byte(rendered), &check); err == nil {
		return []byte(rendered)
	}

	fallback := map[string]any{
		"rendered_payload": rendered,
		"payload":          payload,
	}
	data, err := json.Marshal(fallback)
	if err != nil {
		return body
	}
	return data
}

func (d *Dispatcher) send(ctx context.Context, target *models.RelayTarget, body []byte) error {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send relay request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay target returned status %d", resp.StatusCode)
	}
	return nil
}
