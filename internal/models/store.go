package models

import "time"

// Store описывает подключённый магазин: по какому пути он шлёт вебхуки
// платёжного шлюза, как из payload собирается чек и куда ретранслировать
// исходные уведомления.
type Store struct {
	ID                       int64     `json:"id"`
	Name                     string    `json:"name"`
	WebhookPath              string    `json:"webhook_path"`
	IsActive                 bool      `json:"is_active"`
	DescriptionTemplate      string    `json:"description_template"`
	ItemNameTemplate         string    `json:"item_name_template"`
	AmountPath               string    `json:"amount_path"`
	PaymentIDPath            string    `json:"payment_id_path"`
	CustomerNamePath         string    `json:"customer_name_path"`
	RelayMode                string    `json:"relay_mode"` // fire_and_forget, retry_until_200
	RelayRetryLimit          int       `json:"relay_retry_limit"`
	IncludeReceiptURLInRelay bool      `json:"include_receipt_url_in_relay"`
	AutoCancelOnRefund       bool      `json:"auto_cancel_on_refund"`
	RelayIgnoredEvents       bool      `json:"relay_ignored_events"`
	ProfileID                *int64    `json:"mytax_profile_id"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	Version                  int64     `json:"version"`
}

// SetDefaults заполняет незаданные поля значениями по умолчанию.
func (s *Store) SetDefaults() {
	if s.DescriptionTemplate == "" {
		s.DescriptionTemplate = DefaultDescriptionTemplate
	}
	if s.ItemNameTemplate == "" {
		s.ItemNameTemplate = DefaultItemNameTemplate
	}
	if s.AmountPath == "" {
		s.AmountPath = DefaultAmountPath
	}
	if s.PaymentIDPath == "" {
		s.PaymentIDPath = DefaultPaymentIDPath
	}
	if s.CustomerNamePath == "" {
		s.CustomerNamePath = DefaultCustomerNamePath
	}
	if s.RelayMode == "" {
		s.RelayMode = RelayModeRetryUntil200
	}
	if s.RelayRetryLimit <= 0 {
		s.RelayRetryLimit = DefaultRelayRetryLimit
	}
}
