package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chekodel/internal/database"
	"chekodel/internal/models"
	"chekodel/internal/mytax"
	"chekodel/internal/service"
)

// storeRequest — общее тело создания и частичного обновления магазина.
// Указатели отличают «поле не передано» от явного значения.
type storeRequest struct {
	Name                     string `json:"name"`
	WebhookPath              string `json:"webhook_path"`
	IsActive                 *bool  `json:"is_active"`
	DescriptionTemplate      string `json:"description_template"`
	ItemNameTemplate         string `json:"item_name_template"`
	AmountPath               string `json:"amount_path"`
	PaymentIDPath            string `json:"payment_id_path"`
	CustomerNamePath         string `json:"customer_name_path"`
	RelayMode                string `json:"relay_mode"`
	RelayRetryLimit          int    `json:"relay_retry_limit"`
	IncludeReceiptURLInRelay *bool  `json:"include_receipt_url_in_relay"`
	AutoCancelOnRefund       *bool  `json:"auto_cancel_on_refund"`
	RelayIgnoredEvents       *bool  `json:"relay_ignored_events"`
	ProfileID                *int64 `json:"mytax_profile_id"`
}

func (s *HTTPServer) handleStores(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stores, err := s.db.ListStores(r.Context())
		if err != nil {
			s.internalError(w, err, "Failed to list stores")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"stores": stores})
	case http.MethodPost:
		s.createStore(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.WebhookPath) == "" {
		writeError(w, http.StatusBadRequest, "webhook_path is required")
		return
	}
	if req.RelayMode != "" && req.RelayMode != models.RelayModeFireAndForget && req.RelayMode != models.RelayModeRetryUntil200 {
		writeError(w, http.StatusBadRequest, "unknown relay_mode")
		return
	}

	profileID, ok := s.resolveProfileID(r.Context(), w, req.ProfileID)
	if !ok {
		return
	}
	if taken, err := s.storeNameTaken(r.Context(), req.Name, 0); err != nil {
		s.internalError(w, err, "Failed to check store name")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "store name already in use")
		return
	}
	if taken, err := s.webhookPathTaken(r.Context(), req.WebhookPath, 0); err != nil {
		s.internalError(w, err, "Failed to check webhook path")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "webhook path already in use")
		return
	}

	store := &models.Store{
		Name:                     req.Name,
		WebhookPath:              strings.Trim(req.WebhookPath, "/"),
		IsActive:                 boolOrDefault(req.IsActive, true),
		DescriptionTemplate:      req.DescriptionTemplate,
		ItemNameTemplate:         req.ItemNameTemplate,
		AmountPath:               req.AmountPath,
		PaymentIDPath:            req.PaymentIDPath,
		CustomerNamePath:         req.CustomerNamePath,
		RelayMode:                req.RelayMode,
		RelayRetryLimit:          req.RelayRetryLimit,
		IncludeReceiptURLInRelay: boolOrDefault(req.IncludeReceiptURLInRelay, false),
		AutoCancelOnRefund:       boolOrDefault(req.AutoCancelOnRefund, true),
		RelayIgnoredEvents:       boolOrDefault(req.RelayIgnoredEvents, true),
		ProfileID:                profileID,
	}
	store.SetDefaults()

	if err := s.db.CreateStore(r.Context(), store); err != nil {
		s.internalError(w, err, "Failed to create store")
		return
	}

	s.audit(r.Context(), &store.ID, "store_created", fmt.Sprintf("Создан магазин: %s", store.Name))
	writeJSON(w, http.StatusCreated, store)
}

func (s *HTTPServer) handleStoreByID(w http.ResponseWriter, r *http.Request) {
	id, tail, err := splitIDPath(r.URL.Path, "/api/stores/")
	if err != nil || tail != "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		store, err := s.db.GetStore(r.Context(), id)
		if errors.Is(err, database.ErrStoreNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		if err != nil {
			s.internalError(w, err, "Failed to get store")
			return
		}
		writeJSON(w, http.StatusOK, store)
	case http.MethodPut:
		s.updateStore(w, r, id)
	case http.MethodDelete:
		s.deleteStore(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) updateStore(w http.ResponseWriter, r *http.Request, id int64) {
	store, err := s.db.GetStore(r.Context(), id)
	if errors.Is(err, database.ErrStoreNotFound) {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "Failed to get store")
		return
	}

	var req storeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RelayMode != "" && req.RelayMode != models.RelayModeFireAndForget && req.RelayMode != models.RelayModeRetryUntil200 {
		writeError(w, http.StatusBadRequest, "unknown relay_mode")
		return
	}

	if req.Name != "" && req.Name != store.Name {
		if taken, err := s.storeNameTaken(r.Context(), req.Name, store.ID); err != nil {
			s.internalError(w, err, "Failed to check store name")
			return
		} else if taken {
			writeError(w, http.StatusConflict, "store name already in use")
			return
		}
		store.Name = req.Name
	}
	if req.WebhookPath != "" {
		newPath := strings.Trim(req.WebhookPath, "/")
		if newPath != store.WebhookPath {
			if taken, err := s.webhookPathTaken(r.Context(), newPath, store.ID); err != nil {
				s.internalError(w, err, "Failed to check webhook path")
				return
			} else if taken {
				writeError(w, http.StatusConflict, "webhook path already in use")
				return
			}
			store.WebhookPath = newPath
		}
	}
	if req.IsActive != nil {
		store.IsActive = *req.IsActive
	}
	if req.DescriptionTemplate != "" {
		store.DescriptionTemplate = req.DescriptionTemplate
	}
	if req.ItemNameTemplate != "" {
		store.ItemNameTemplate = req.ItemNameTemplate
	}
	if req.AmountPath != "" {
		store.AmountPath = req.AmountPath
	}
	if req.PaymentIDPath != "" {
		store.PaymentIDPath = req.PaymentIDPath
	}
	if req.CustomerNamePath != "" {
		store.CustomerNamePath = req.CustomerNamePath
	}
	if req.RelayMode != "" {
		store.RelayMode = req.RelayMode
	}
	if req.RelayRetryLimit > 0 {
		store.RelayRetryLimit = req.RelayRetryLimit
	}
	if req.IncludeReceiptURLInRelay != nil {
		store.IncludeReceiptURLInRelay = *req.IncludeReceiptURLInRelay
	}
	if req.AutoCancelOnRefund != nil {
		store.AutoCancelOnRefund = *req.AutoCancelOnRefund
	}
	if req.RelayIgnoredEvents != nil {
		store.RelayIgnoredEvents = *req.RelayIgnoredEvents
	}
	if req.ProfileID != nil {
		profileID, ok := s.resolveProfileID(r.Context(), w, req.ProfileID)
		if !ok {
			return
		}
		store.ProfileID = profileID
	}

	if err := s.db.UpdateStore(r.Context(), store); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			writeError(w, http.StatusConflict, "store was modified concurrently")
			return
		}
		s.internalError(w, err, "Failed to update store")
		return
	}

	s.audit(r.Context(), &store.ID, "store_updated", fmt.Sprintf("Обновлен магазин: %s", store.Name))
	writeJSON(w, http.StatusOK, store)
}

func (s *HTTPServer) deleteStore(w http.ResponseWriter, r *http.Request, id int64) {
	store, err := s.db.GetStore(r.Context(), id)
	if errors.Is(err, database.ErrStoreNotFound) {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "Failed to get store")
		return
	}

	if err := s.db.DeleteStore(r.Context(), id); err != nil {
		s.internalError(w, err, "Failed to delete store")
		return
	}

	s.audit(r.Context(), nil, "store_deleted", fmt.Sprintf("Удален магазин: %s", store.Name))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// resolveProfileID проверяет профиль на существование; явный 0 отвязывает
// профиль от магазина.
func (s *HTTPServer) resolveProfileID(ctx context.Context, w http.ResponseWriter, id *int64) (*int64, bool) {
	if id == nil || *id == 0 {
		return nil, true
	}
	if _, err := s.db.GetProfile(ctx, *id); err != nil {
		if errors.Is(err, database.ErrProfileNotFound) {
			writeError(w, http.StatusBadRequest, "unknown mytax profile")
			return nil, false
		}
		s.internalError(w, err, "Failed to get mytax profile")
		return nil, false
	}
	return id, true
}

func (s *HTTPServer) webhookPathTaken(ctx context.Context, path string, exceptID int64) (bool, error) {
	stores, err := s.db.ListStores(ctx)
	if err != nil {
		return false, err
	}
	normalized := strings.Trim(path, "/")
	for _, store := range stores {
		if store.WebhookPath == normalized && store.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (s *HTTPServer) storeNameTaken(ctx context.Context, name string, exceptID int64) (bool, error) {
	stores, err := s.db.ListStores(ctx)
	if err != nil {
		return false, err
	}
	for _, store := range stores {
		if store.Name == name && store.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (s *HTTPServer) profileNameTaken(ctx context.Context, name string, exceptID int64) (bool, error) {
	profiles, err := s.db.ListProfiles(ctx)
	if err != nil {
		return false, err
	}
	for _, profile := range profiles {
		if profile.Name == name && profile.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

type profileRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	INN      string `json:"inn"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	DeviceID string `json:"device_id"`
}

func (s *HTTPServer) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.db.ListProfiles(r.Context())
		if err != nil {
			s.internalError(w, err, "Failed to list profiles")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
	case http.MethodPost:
		s.createProfile(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.INN) == "" {
		writeError(w, http.StatusBadRequest, "inn is required")
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = models.ProviderUnofficialAPI
	}
	if provider != models.ProviderOfficialAPI && provider != models.ProviderUnofficialAPI {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if taken, err := s.profileNameTaken(r.Context(), req.Name, 0); err != nil {
		s.internalError(w, err, "Failed to check profile name")
		return
	} else if taken {
		writeError(w, http.StatusConflict, "profile name already in use")
		return
	}

	profile := &models.MyTaxProfile{
		Name:     req.Name,
		Provider: provider,
		INN:      req.INN,
		Password: req.Password,
		Phone:    req.Phone,
		DeviceID: req.DeviceID,
	}
	if err := s.profiles.Create(r.Context(), profile); err != nil {
		s.internalError(w, err, "Failed to create mytax profile")
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *HTTPServer) handleProfileByID(w http.ResponseWriter, r *http.Request) {
	id, tail, err := splitIDPath(r.URL.Path, "/api/profiles/")
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case tail == "":
		switch r.Method {
		case http.MethodGet:
			profile, err := s.db.GetProfile(r.Context(), id)
			if errors.Is(err, database.ErrProfileNotFound) {
				writeError(w, http.StatusNotFound, "mytax profile not found")
				return
			}
			if err != nil {
				s.internalError(w, err, "Failed to get mytax profile")
				return
			}
			writeJSON(w, http.StatusOK, profile)
		case http.MethodPut:
			s.updateProfile(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case tail == "login" && r.Method == http.MethodPost:
		s.loginProfile(w, r, id)
	case tail == "auth/check" && r.Method == http.MethodPost:
		s.checkProfileAuth(w, r, id)
	case tail == "auth/phone/start" && r.Method == http.MethodPost:
		s.startPhoneChallenge(w, r, id)
	case tail == "auth/phone/verify" && r.Method == http.MethodPost:
		s.verifyPhoneChallenge(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) updateProfile(w http.ResponseWriter, r *http.Request, id int64) {
	profile, err := s.db.GetProfile(r.Context(), id)
	if errors.Is(err, database.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "mytax profile not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "Failed to get mytax profile")
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Provider != "" && req.Provider != models.ProviderOfficialAPI && req.Provider != models.ProviderUnofficialAPI {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	if req.Name != "" && req.Name != profile.Name {
		if taken, err := s.profileNameTaken(r.Context(), req.Name, profile.ID); err != nil {
			s.internalError(w, err, "Failed to check profile name")
			return
		} else if taken {
			writeError(w, http.StatusConflict, "profile name already in use")
			return
		}
		profile.Name = req.Name
	}
	if req.Provider != "" {
		profile.Provider = req.Provider
	}
	if req.INN != "" {
		profile.INN = req.INN
	}
	if req.Password != "" {
		profile.Password = req.Password
	}
	if req.Phone != "" {
		profile.Phone = req.Phone
	}

	if err := s.profiles.Update(r.Context(), profile); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			writeError(w, http.StatusConflict, "profile was modified concurrently")
			return
		}
		s.internalError(w, err, "Failed to update mytax profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) loginProfile(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	profile, err := s.profiles.Login(r.Context(), id, req.Force)
	if err != nil {
		s.writeProfileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) checkProfileAuth(w http.ResponseWriter, r *http.Request, id int64) {
	profile, err := s.profiles.CheckAuth(r.Context(), id)
	if err != nil {
		s.writeProfileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *HTTPServer) startPhoneChallenge(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	challenge, err := s.profiles.StartPhoneChallenge(r.Context(), id, req.Phone)
	if err != nil {
		s.writeProfileError(w, err)
		return
	}
	// Формат полей повторяет ответ «Мой налог»
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phone":          challenge.Phone,
		"challengeToken": challenge.ChallengeToken,
		"expireDate":     challenge.ExpireDate,
	})
}

func (s *HTTPServer) verifyPhoneChallenge(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Phone          string `json:"phone"`
		ChallengeToken string `json:"challenge_token"`
		Code           string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	profile, err := s.profiles.VerifyPhoneChallenge(r.Context(), id, req.Phone, req.ChallengeToken, req.Code)
	if err != nil {
		s.writeProfileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// writeProfileError переводит ошибки сервисного слоя в HTTP-статусы.
// Ошибка авторизации у провайдера — проблема данных клиента, сетевые
// проблемы провайдера — 502.
func (s *HTTPServer) writeProfileError(w http.ResponseWriter, err error) {
	var authErr *mytax.AuthError
	var apiErr *mytax.APIError

	switch {
	case errors.Is(err, database.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "mytax profile not found")
	case errors.Is(err, service.ErrChallengeNotFound):
		writeError(w, http.StatusBadRequest, "no pending sms challenge")
	case errors.Is(err, service.ErrPhoneRequired):
		writeError(w, http.StatusBadRequest, "phone is required")
	case errors.Is(err, mytax.ErrPhoneAuthUnsupported):
		writeError(w, http.StatusBadRequest, "provider does not support sms auth")
	case errors.As(err, &authErr):
		writeError(w, http.StatusBadRequest, authErr.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Error())
	default:
		s.logger.Error().Err(err).Msg("Profile operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type relayTargetRequest struct {
	StoreID         int64             `json:"store_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	PayloadTemplate string            `json:"payload_template"`
	IsActive        *bool             `json:"is_active"`
}

func (s *HTTPServer) handleRelayTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		storeID, err := queryInt64Ptr(r, "store_id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid store_id")
			return
		}
		targets, err := s.db.ListRelayTargets(r.Context(), storeID)
		if err != nil {
			s.internalError(w, err, "Failed to list relay targets")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
	case http.MethodPost:
		s.createRelayTarget(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createRelayTarget(w http.ResponseWriter, r *http.Request) {
	var req relayTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StoreID == 0 {
		writeError(w, http.StatusBadRequest, "store_id is required")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := s.db.GetStore(r.Context(), req.StoreID); err != nil {
		if errors.Is(err, database.ErrStoreNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		s.internalError(w, err, "Failed to get store")
		return
	}

	target := &models.RelayTarget{
		StoreID:         req.StoreID,
		Name:            req.Name,
		URL:             req.URL,
		Method:          req.Method,
		Headers:         req.Headers,
		PayloadTemplate: req.PayloadTemplate,
		IsActive:        boolOrDefault(req.IsActive, true),
	}
	if err := s.db.CreateRelayTarget(r.Context(), target); err != nil {
		s.internalError(w, err, "Failed to create relay target")
		return
	}

	s.audit(r.Context(), &target.StoreID, "relay_target_created", fmt.Sprintf("Добавлен ретранслятор: %s", target.URL))
	writeJSON(w, http.StatusCreated, target)
}

func (s *HTTPServer) handleRelayTargetByID(w http.ResponseWriter, r *http.Request) {
	id, tail, err := splitIDPath(r.URL.Path, "/api/relay-targets/")
	if err != nil || tail != "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.db.DeleteRelayTarget(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrTargetNotFound) {
			writeError(w, http.StatusNotFound, "relay target not found")
			return
		}
		s.internalError(w, err, "Failed to delete relay target")
		return
	}

	s.audit(r.Context(), nil, "relay_target_deleted", fmt.Sprintf("Удален ретранслятор #%d", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type telegramChannelRequest struct {
	StoreID           int64    `json:"store_id"`
	Name              string   `json:"name"`
	BotToken          string   `json:"bot_token"`
	ChatID            string   `json:"chat_id"`
	TopicID           *int64   `json:"topic_id"`
	Events            []string `json:"events"`
	IncludeReceiptURL *bool    `json:"include_receipt_url"`
	IsActive          *bool    `json:"is_active"`
}

func (s *HTTPServer) handleTelegramChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		storeID, err := queryInt64Ptr(r, "store_id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid store_id")
			return
		}
		channels, err := s.db.ListTelegramChannels(r.Context(), storeID)
		if err != nil {
			s.internalError(w, err, "Failed to list telegram channels")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
	case http.MethodPost:
		s.createTelegramChannel(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createTelegramChannel(w http.ResponseWriter, r *http.Request) {
	var req telegramChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StoreID == 0 {
		writeError(w, http.StatusBadRequest, "store_id is required")
		return
	}
	if strings.TrimSpace(req.BotToken) == "" {
		writeError(w, http.StatusBadRequest, "bot_token is required")
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if _, err := s.db.GetStore(r.Context(), req.StoreID); err != nil {
		if errors.Is(err, database.ErrStoreNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		s.internalError(w, err, "Failed to get store")
		return
	}

	channel := &models.TelegramChannel{
		StoreID:           req.StoreID,
		Name:              req.Name,
		BotToken:          req.BotToken,
		ChatID:            req.ChatID,
		TopicID:           req.TopicID,
		Events:            req.Events,
		IncludeReceiptURL: boolOrDefault(req.IncludeReceiptURL, true),
		IsActive:          boolOrDefault(req.IsActive, true),
	}
	if err := s.db.CreateTelegramChannel(r.Context(), channel); err != nil {
		s.internalError(w, err, "Failed to create telegram channel")
		return
	}

	s.audit(r.Context(), &channel.StoreID, "telegram_channel_created", fmt.Sprintf("Добавлен Telegram канал: %s", channel.ChatID))
	writeJSON(w, http.StatusCreated, channel)
}

func (s *HTTPServer) handleTelegramChannelByID(w http.ResponseWriter, r *http.Request) {
	id, tail, err := splitIDPath(r.URL.Path, "/api/telegram-channels/")
	if err != nil || tail != "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.db.DeleteTelegramChannel(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "telegram channel not found")
			return
		}
		s.internalError(w, err, "Failed to delete telegram channel")
		return
	}

	s.audit(r.Context(), nil, "telegram_channel_deleted", fmt.Sprintf("Удален Telegram канал #%d", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	storeID, err := queryInt64Ptr(r, "store_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid store_id")
		return
	}
	dateFrom, dateTo, err := queryDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.db.ListEvents(r.Context(), database.EventFilter{
		StoreID:   storeID,
		Status:    r.URL.Query().Get("status"),
		EventType: r.URL.Query().Get("event_type"),
		DateFrom:  dateFrom,
		DateTo:    dateTo,
	})
	if err != nil {
		s.internalError(w, err, "Failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	storeID, err := queryInt64Ptr(r, "store_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid store_id")
		return
	}
	tasks, err := s.db.ListTasks(r.Context(), database.TaskFilter{
		StoreID: storeID,
		Status:  r.URL.Query().Get("status"),
	})
	if err != nil {
		s.internalError(w, err, "Failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *HTTPServer) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		TaskID int64 `json:"task_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	queued, err := s.queue.RetryTask(r.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.internalError(w, err, "Failed to retry task")
		return
	}
	if !queued {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *HTTPServer) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := receiptFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipts, err := s.db.ListReceipts(r.Context(), filter)
	if err != nil {
		s.internalError(w, err, "Failed to list receipts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	storeID, err := queryInt64Ptr(r, "store_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid store_id")
		return
	}
	logs, err := s.db.ListLogs(r.Context(), database.LogFilter{
		StoreID: storeID,
		Level:   r.URL.Query().Get("level"),
		Event:   r.URL.Query().Get("event"),
	})
	if err != nil {
		s.internalError(w, err, "Failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	storeID, err := queryInt64Ptr(r, "store_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid store_id")
		return
	}
	dateFrom, dateTo, err := queryDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.db.GetStats(r.Context(), database.StatsFilter{
		StoreID:  storeID,
		DateFrom: dateFrom,
		DateTo:   dateTo,
	})
	if err != nil {
		s.internalError(w, err, "Failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func receiptFilterFromQuery(r *http.Request) (database.ReceiptFilter, error) {
	storeID, err := queryInt64Ptr(r, "store_id")
	if err != nil {
		return database.ReceiptFilter{}, fmt.Errorf("invalid store_id")
	}
	dateFrom, dateTo, err := queryDateRange(r)
	if err != nil {
		return database.ReceiptFilter{}, err
	}
	return database.ReceiptFilter{
		StoreID:  storeID,
		Status:   r.URL.Query().Get("status"),
		DateFrom: dateFrom,
		DateTo:   dateTo,
	}, nil
}

func (s *HTTPServer) audit(ctx context.Context, storeID *int64, event, message string) {
	entry := &models.AppLog{
		StoreID: storeID,
		Level:   "info",
		Event:   event,
		Message: message,
	}
	if err := s.db.AppendLog(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to append audit log")
	}
}

func (s *HTTPServer) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// splitIDPath разбирает путь вида prefix{id}[/tail].
func splitIDPath(path, prefix string) (int64, string, error) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return 0, "", fmt.Errorf("missing id")
	}

	head := rest
	tail := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		head = rest[:idx]
		tail = rest[idx+1:]
	}

	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid id %q", head)
	}
	return id, tail, nil
}

func queryInt64Ptr(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// queryDateRange разбирает date_from и date_to. Голая дата в date_to
// трактуется включительно: к ней добавляются сутки.
func queryDateRange(r *http.Request) (*time.Time, *time.Time, error) {
	dateFrom, err := parseDateParam(r.URL.Query().Get("date_from"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid date_from")
	}
	dateTo, err := parseDateParam(r.URL.Query().Get("date_to"), true)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid date_to")
	}
	return dateFrom, dateTo, nil
}

func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if endOfDay {
			t = t.Add(24 * time.Hour)
		}
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
