// Package mytax — клиенты сервиса «Мой налог»: неофициальный веб-API
// lknpd.nalog.ru и официальный партнёрский API через прокси.
package mytax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chekodel/internal/models"
)

const (
	defaultTimeout = 20 * time.Second

	// lknpd принимает время операций в UTC без смещения
	timeLayout = "2006-01-02T15:04:05Z"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Config задаёт адреса провайдера и таймаут HTTP-клиента.
type Config struct {
	BaseURL      string        // неофициальный API, по умолчанию https://lknpd.nalog.ru
	ProxyBaseURL string        // партнёрский прокси для официального API
	Timeout      time.Duration // 0 — defaultTimeout
}

// Session — токены, полученные от провайдера. Вызывающий обязан сохранить
// их в профиле, иначе следующая попытка начнёт с протухших.
type Session struct {
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
}

// ReceiptRequest описывает доход для фискализации.
type ReceiptRequest struct {
	Description string
	Amount      float64
	PaymentID   string
}

// ReceiptResult — созданный либо найденный у провайдера чек.
type ReceiptResult struct {
	ReceiptUUID string
	ReceiptURL  string
	Canceled    bool
	Raw         json.RawMessage
}

// ChallengeInfo — стартованная SMS-авторизация.
type ChallengeInfo struct {
	ChallengeToken string
	ExpireDate     time.Time
}

// Client — операции провайдера «Мой налог». Реализации не трогают базу:
// обновлённые токены возвращаются через Session, и сохраняет их вызывающий.
type Client interface {
	// EnsureAuthenticated дёшево проверяет готовность профиля к запросам.
	// Непустая Session означает, что токены тихо обновились и их надо
	// сохранить. Ошибка *AuthError — нужен повторный вход.
	EnsureAuthenticated(ctx context.Context) (*Session, error)

	// Login выполняет вход по ИНН и паролю.
	Login(ctx context.Context) (*Session, error)

	// CreateReceipt регистрирует доход. Перед созданием ищет чек по
	// payment_id: повтор после обрыва сети не выбивает второй чек.
	CreateReceipt(ctx context.Context, req ReceiptRequest) (*ReceiptResult, error)

	// CancelReceipt сторнирует чек. Уже отозванный чек — не ошибка.
	CancelReceipt(ctx context.Context, receiptUUID string) error

	// FindReceipt ищет чек по идентификатору платежа, nil — не найден.
	FindReceipt(ctx context.Context, paymentID string) (*ReceiptResult, error)

	// StartPhoneChallenge запрашивает SMS с кодом на номер телефона.
	StartPhoneChallenge(ctx context.Context, phone string) (*ChallengeInfo, error)

	// VerifyPhoneChallenge обменивает код из SMS на токены.
	VerifyPhoneChallenge(ctx context.Context, phone, challengeToken, code string) (*Session, error)
}

// New собирает клиента под провайдера профиля.
func New(profile *models.MyTaxProfile, cfg Config, httpClient *http.Client) (Client, error) {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	switch profile.Provider {
	case models.ProviderUnofficialAPI:
		baseURL := strings.TrimRight(cfg.BaseURL, "/")
		if baseURL == "" {
			baseURL = "https://lknpd.nalog.ru"
		}
		return &unofficialClient{profile: profile, baseURL: baseURL, client: httpClient}, nil
	case models.ProviderOfficialAPI:
		return &officialClient{
			profile: profile,
			baseURL: strings.TrimRight(cfg.ProxyBaseURL, "/"),
			client:  httpClient,
		}, nil
	default:
		return nil, fmt.Errorf("unknown mytax provider: %s", profile.Provider)
	}
}

// doJSON выполняет запрос с JSON-телом и классифицирует ответ: 401/403 —
// AuthError, прочие >=400 — APIError, сетевые сбои — APIError без кода.
func doJSON(ctx context.Context, client *http.Client, method, url string, body any, headers map[string]string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	case resp.StatusCode >= 400:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 500)}
	}
	return data, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// stringField достаёт поле как строку: lknpd отдаёт id то строкой, то числом.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
