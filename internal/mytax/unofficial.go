package mytax

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chekodel/internal/models"
)

// unofficialClient работает с веб-API lknpd.nalog.ru — тем же, что использует
// личный кабинет самозанятого. Протокол не опубликован, поэтому разбор
// ответов везде с запасными вариантами.
type unofficialClient struct {
	profile *models.MyTaxProfile
	baseURL string
	client  *http.Client
}

func (c *unofficialClient) authHeaders() map[string]string {
	headers := map[string]string{}
	if c.profile.AccessToken != "" {
		headers["Authorization"] = "Bearer " + c.profile.AccessToken
	}
	if c.profile.CookieBlob != "" {
		headers["Cookie"] = c.profile.CookieBlob
	}
	if c.profile.DeviceID != "" {
		headers["Device-Id"] = c.profile.DeviceID
	}
	return headers
}

func (c *unofficialClient) deviceInfo() map[string]any {
	return map[string]any{
		"sourceDeviceId": c.profile.DeviceID,
		"sourceType":     "WEB",
		"appVersion":     "1.0.0",
		"metaDetails":    map[string]any{"userAgent": userAgent},
	}
}

func (c *unofficialClient) EnsureAuthenticated(ctx context.Context) (*Session, error) {
	if !c.profile.IsAuthenticated {
		return nil, &AuthError{Reason: "профиль не аутентифицирован"}
	}
	if c.profile.AccessToken == "" && c.profile.CookieBlob == "" {
		return nil, &AuthError{Reason: "нет access_token или cookie"}
	}

	// Токен истёк — пробуем тихо обновить, не дёргая пользователя
	if c.profile.AccessToken != "" && c.profile.TokenExpiresAt != nil && time.Now().After(*c.profile.TokenExpiresAt) {
		if c.profile.RefreshToken == "" {
			return nil, &AuthError{Reason: "токен истёк, refresh_token отсутствует"}
		}
		session, err := c.refreshToken(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Transient() {
				return nil, &AuthError{Reason: "не удалось обновить токен: " + apiErr.Error()}
			}
			return nil, err
		}
		c.applySession(session)
		return session, nil
	}
	return nil, nil
}

func (c *unofficialClient) Login(ctx context.Context) (*Session, error) {
	if c.profile.INN == "" || c.profile.Password == "" {
		return nil, &AuthError{Reason: "для входа нужны ИНН и пароль"}
	}

	payload := map[string]any{
		"username":   c.profile.INN,
		"password":   c.profile.Password,
		"deviceInfo": c.deviceInfo(),
	}
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/auth/lkfl", payload, c.deviceHeaders())
	if err != nil {
		return nil, err
	}

	session, err := parseSession(raw)
	if err != nil {
		return nil, err
	}
	c.applySession(session)
	return session, nil
}

func (c *unofficialClient) refreshToken(ctx context.Context) (*Session, error) {
	payload := map[string]any{
		"refreshToken": c.profile.RefreshToken,
		"deviceInfo":   c.deviceInfo(),
	}
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/auth/token", payload, c.deviceHeaders())
	if err != nil {
		return nil, err
	}
	return parseSession(raw)
}

// deviceHeaders — заголовки для запросов авторизации: протухший Bearer сюда
// не кладём, иначе обновление токена само словит 401.
func (c *unofficialClient) deviceHeaders() map[string]string {
	headers := map[string]string{}
	if c.profile.DeviceID != "" {
		headers["Device-Id"] = c.profile.DeviceID
	}
	return headers
}

func (c *unofficialClient) CreateReceipt(ctx context.Context, req ReceiptRequest) (*ReceiptResult, error) {
	// Сначала ищем чек: после обрыва сети мы не знаем, прошёл ли прошлый
	// запрос, а двойная фискализация хуже лишнего поиска.
	existing, err := c.FindReceipt(ctx, req.PaymentID)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Transient() {
			return nil, err
		}
		// поиск необязателен, провайдер мог его не поддержать
	} else if existing != nil && !existing.Canceled {
		return existing, nil
	}

	now := time.Now().UTC().Format(timeLayout)
	payload := map[string]any{
		"operationTime": now,
		"requestTime":   now,
		"services": []map[string]any{{
			"name":     truncate(req.Description, 128),
			"amount":   req.Amount,
			"quantity": 1,
		}},
		"totalAmount":                     req.Amount,
		"paymentType":                     "CASHLESS",
		"ignoreMaxTotalIncomeRestriction": true,
		"client":                          map[string]any{"displayName": ""},
		"externalIncomeId":                req.PaymentID,
	}

	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/income", payload, c.authHeaders())
	if err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = map[string]any{}
	}
	uuid := firstNonEmpty(
		stringField(body, "approvedReceiptUuid"),
		stringField(body, "receiptUuid"),
		stringField(body, "id"),
		req.PaymentID,
	)
	return &ReceiptResult{
		ReceiptUUID: uuid,
		ReceiptURL:  c.receiptURL(body, uuid),
		Raw:         raw,
	}, nil
}

func (c *unofficialClient) FindReceipt(ctx context.Context, paymentID string) (*ReceiptResult, error) {
	return c.search(ctx, map[string]any{"externalIncomeId": paymentID, "limit": 1})
}

func (c *unofficialClient) findByUUID(ctx context.Context, receiptUUID string) (*ReceiptResult, error) {
	return c.search(ctx, map[string]any{"receiptUuid": receiptUUID, "limit": 1})
}

func (c *unofficialClient) search(ctx context.Context, filter map[string]any) (*ReceiptResult, error) {
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/incomes/dsearch", filter, c.authHeaders())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Items) == 0 {
		return nil, nil
	}

	item := resp.Items[0]
	uuid := firstNonEmpty(
		stringField(item, "approvedReceiptUuid"),
		stringField(item, "receiptUuid"),
		stringField(item, "id"),
	)
	if uuid == "" {
		return nil, nil
	}

	itemRaw, _ := json.Marshal(item)
	return &ReceiptResult{
		ReceiptUUID: uuid,
		ReceiptURL:  c.receiptURL(item, uuid),
		Canceled:    item["cancellationInfo"] != nil,
		Raw:         itemRaw,
	}, nil
}

func (c *unofficialClient) receiptURL(body map[string]any, uuid string) string {
	if url := stringField(body, "receiptUrl"); url != "" {
		return url
	}
	return c.baseURL + "/web/receipts/" + uuid
}

func (c *unofficialClient) CancelReceipt(ctx context.Context, receiptUUID string) error {
	existing, err := c.findByUUID(ctx, receiptUUID)
	if err == nil && existing != nil && existing.Canceled {
		return nil // уже отозван
	}

	now := time.Now().UTC().Format(timeLayout)
	payload := map[string]any{
		"operationTime": now,
		"requestTime":   now,
		"receiptUuid":   receiptUUID,
		"comment":       "Возврат средств",
	}
	_, err = doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/cancel", payload, c.authHeaders())
	return err
}

func (c *unofficialClient) StartPhoneChallenge(ctx context.Context, phone string) (*ChallengeInfo, error) {
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/auth/challenge/sms/start",
		map[string]any{"phone": phone}, c.deviceHeaders())
	if err != nil {
		return nil, err
	}

	var resp struct {
		ChallengeToken string `json:"challengeToken"`
		ExpireDate     string `json:"expireDate"`
		ExpireIn       int    `json:"expireIn"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "malformed challenge response"}
	}
	if resp.ChallengeToken == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "challenge response without token"}
	}

	expire, err := time.Parse(time.RFC3339, resp.ExpireDate)
	if err != nil {
		seconds := resp.ExpireIn
		if seconds <= 0 {
			seconds = 120
		}
		expire = time.Now().Add(time.Duration(seconds) * time.Second)
	}
	return &ChallengeInfo{ChallengeToken: resp.ChallengeToken, ExpireDate: expire}, nil
}

func (c *unofficialClient) VerifyPhoneChallenge(ctx context.Context, phone, challengeToken, code string) (*Session, error) {
	payload := map[string]any{
		"challengeToken": challengeToken,
		"phone":          phone,
		"code":           code,
		"deviceInfo":     c.deviceInfo(),
	}
	raw, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/v1/auth/challenge/sms/verify", payload, c.deviceHeaders())
	if err != nil {
		return nil, err
	}

	session, err := parseSession(raw)
	if err != nil {
		return nil, err
	}
	c.applySession(session)
	return session, nil
}

// applySession обновляет токены в профиле, чтобы остальные запросы этой же
// попытки шли со свежим Bearer. Сохранение в базу — забота вызывающего.
func (c *unofficialClient) applySession(session *Session) {
	c.profile.AccessToken = session.AccessToken
	if session.RefreshToken != "" {
		c.profile.RefreshToken = session.RefreshToken
	}
	c.profile.TokenExpiresAt = session.TokenExpiresAt
}

func parseSession(raw json.RawMessage) (*Session, error) {
	var resp struct {
		Token         string `json:"token"`
		RefreshToken  string `json:"refreshToken"`
		TokenExpireIn string `json:"tokenExpireIn"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "malformed auth response"}
	}
	if resp.Token == "" {
		return nil, &AuthError{Reason: "ответ авторизации без токена"}
	}

	session := &Session{AccessToken: resp.Token, RefreshToken: resp.RefreshToken}
	if expire, err := time.Parse(time.RFC3339, resp.TokenExpireIn); err == nil {
		session.TokenExpiresAt = &expire
	}
	return session, nil
}
