package mytax

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPhoneAuthUnsupported возвращают провайдеры без SMS-авторизации.
	ErrPhoneAuthUnsupported = errors.New("phone challenge is not supported by this provider")

	// ErrProxyNotConfigured — официальный API зовётся через партнёрский
	// прокси, без его адреса работать не с чем.
	ErrProxyNotConfigured = errors.New("proxy base url is not configured for official api")
)

// AuthError означает, что провайдер отверг учётные данные: нужен повторный
// вход, повторять запрос с теми же токенами бессмысленно.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "mytax auth error: " + e.Reason
}

// APIError — отказ API провайдера или сетевая ошибка.
type APIError struct {
	StatusCode int // 0 для сетевых ошибок
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mytax api error: %v", e.Err)
	}
	return fmt.Sprintf("mytax api error %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Transient сообщает, имеет ли смысл повторить запрос позже: сетевые сбои,
// троттлинг и 5xx — да, остальные 4xx — ошибка данных.
func (e *APIError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}
