package mytax

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"chekodel/internal/models"
)

// officialClient ходит в официальный API «Мой налог» через партнёрский
// прокси: прокси прячет подписание запросов и отдаёт плоский JSON.
type officialClient struct {
	profile *models.MyTaxProfile
	baseURL string
	client  *http.Client
}

func (c *officialClient) authHeaders() map[string]string {
	headers := map[string]string{}
	if c.profile.AccessToken != "" {
		headers["Authorization"] = "Bearer " + c.profile.AccessToken
	}
	return headers
}

func (c *officialClient) EnsureAuthenticated(_ context.Context) (*Session, error) {
	if !c.profile.IsAuthenticated {
		return nil, &AuthError{Reason: "профиль не аутентифицирован"}
	}
	if c.profile.AccessToken == "" {
		return nil, &AuthError{Reason: "нет access_token для официального API"}
	}
	return nil, nil
}

func (c *officialClient) Login(ctx context.Context) (*Session, error) {
	if c.baseURL == "" {
		return nil, ErrProxyNotConfigured
	}
	if c.profile.INN == "" || c.profile.Password == "" {
		return nil, &AuthError{Reason: "для входа нужны ИНН и пароль"}
	}

	payload := map[string]any{"inn": c.profile.INN, "password": c.profile.Password}
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/mytax/login", payload, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   string `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.AccessToken == "" {
		return nil, &AuthError{Reason: "ответ авторизации без токена"}
	}

	session := &Session{AccessToken: resp.AccessToken}
	if expire, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
		session.TokenExpiresAt = &expire
	}
	c.profile.AccessToken = session.AccessToken
	c.profile.TokenExpiresAt = session.TokenExpiresAt
	return session, nil
}

func (c *officialClient) CreateReceipt(ctx context.Context, req ReceiptRequest) (*ReceiptResult, error) {
	if c.baseURL == "" {
		return nil, ErrProxyNotConfigured
	}

	existing, err := c.FindReceipt(ctx, req.PaymentID)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Transient() {
			return nil, err
		}
	} else if existing != nil && !existing.Canceled {
		return existing, nil
	}

	payload := map[string]any{
		"description": req.Description,
		"amount":      req.Amount,
		"payment_id":  req.PaymentID,
	}
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/mytax/receipt", payload, c.authHeaders())
	if err != nil {
		return nil, err
	}

	var resp struct {
		ReceiptUUID string `json:"receipt_uuid"`
		ReceiptURL  string `json:"receipt_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "malformed receipt response"}
	}
	return &ReceiptResult{
		ReceiptUUID: firstNonEmpty(resp.ReceiptUUID, req.PaymentID),
		ReceiptURL:  resp.ReceiptURL,
		Raw:         raw,
	}, nil
}

func (c *officialClient) FindReceipt(ctx context.Context, paymentID string) (*ReceiptResult, error) {
	if c.baseURL == "" {
		return nil, ErrProxyNotConfigured
	}

	lookupURL := c.baseURL + "/mytax/receipt?payment_id=" + url.QueryEscape(paymentID)
	raw, err := doJSON(ctx, c.client, http.MethodGet, lookupURL, nil, c.authHeaders())
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var resp struct {
		ReceiptUUID string `json:"receipt_uuid"`
		ReceiptURL  string `json:"receipt_url"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ReceiptUUID == "" {
		return nil, nil
	}
	return &ReceiptResult{
		ReceiptUUID: resp.ReceiptUUID,
		ReceiptURL:  resp.ReceiptURL,
		Canceled:    resp.Status == "canceled",
		Raw:         raw,
	}, nil
}

func (c *officialClient) CancelReceipt(ctx context.Context, receiptUUID string) error {
	if c.baseURL == "" {
		return ErrProxyNotConfigured
	}

	payload := map[string]any{"receipt_uuid": receiptUUID}
	_, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/mytax/cancel", payload, c.authHeaders())
	if err != nil {
		var apiErr *APIError
		// 404 и 409 — чека уже нет либо он уже отозван, делать нечего
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusConflict) {
			return nil
		}
		return err
	}
	return nil
}

func (c *officialClient) StartPhoneChallenge(_ context.Context, _ string) (*ChallengeInfo, error) {
	return nil, ErrPhoneAuthUnsupported
}

func (c *officialClient) VerifyPhoneChallenge(_ context.Context, _, _, _ string) (*Session, error) {
	return nil, ErrPhoneAuthUnsupported
}
