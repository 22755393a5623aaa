package models

import "time"

// MyTaxProfile хранит учётные данные самозанятого в «Мой налог».
// Пароль, токены и cookie наружу через JSON не отдаются.
type MyTaxProfile struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Provider        string     `json:"provider"` // official_api, unofficial_api
	INN             string     `json:"inn"`
	Password        string     `json:"-"`
	Phone           string     `json:"phone"`
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	CookieBlob      string     `json:"-"`
	DeviceID        string     `json:"-"`
	TokenExpiresAt  *time.Time `json:"-"`
	IsAuthenticated bool       `json:"is_authenticated"`
	LastError       string     `json:"last_error"`
	LastAuthAt      *time.Time `json:"last_auth_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
}

// PhoneChallenge — незавершённая SMS-авторизация профиля. Живёт в Redis
// (или в памяти при его недоступности) до ввода кода либо до истечения.
type PhoneChallenge struct {
	ProfileID      int64     `json:"profile_id"`
	Phone          string    `json:"phone"`
	ChallengeToken string    `json:"challenge_token"`
	ExpireDate     time.Time `json:"expire_date"`
}
