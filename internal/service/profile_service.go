// Package service — прикладные операции над профилями «Мой налог» и очередью
// задач. Сюда сведено всё, что объединяет базу, провайдера и шину событий,
// чтобы HTTP-обработчики оставались тонкими.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chekodel/internal/database"
	"chekodel/internal/domain"
	"chekodel/internal/events"
	"chekodel/internal/models"
	"chekodel/internal/mytax"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrChallengeNotFound — для профиля нет активной SMS-авторизации.
	ErrChallengeNotFound = errors.New("phone challenge not found or expired")
	// ErrPhoneRequired — номер не передан и в профиле не сохранён.
	ErrPhoneRequired = errors.New("phone number is required")
)

type ProfileService struct {
	db         *database.DB
	factory    domain.ProviderFactory
	challenges domain.ChallengeRepository
	bus        domain.EventPublisher
	logger     *zerolog.Logger
}

func NewProfileService(db *database.DB, factory domain.ProviderFactory, challenges domain.ChallengeRepository, bus domain.EventPublisher, logger *zerolog.Logger) *ProfileService {
	return &ProfileService{
		db:         db,
		factory:    factory,
		challenges: challenges,
		bus:        bus,
		logger:     logger,
	}
}

// Create сохраняет новый профиль. Пустой device_id заполняется сразу: lknpd
// привязывает выданные токены к устройству, и без стабильного идентификатора
// обновление токена перестаёт работать.
func (s *ProfileService) Create(ctx context.Context, profile *models.MyTaxProfile) error {
	if profile.DeviceID == "" {
		profile.DeviceID = uuid.NewString()
	}
	if err := s.db.CreateProfile(ctx, profile); err != nil {
		return err
	}
	s.audit(ctx, "mytax_profile_created", fmt.Sprintf("Создан профиль: %s", profile.Name))
	return nil
}

// Update перезаписывает учётные данные профиля.
func (s *ProfileService) Update(ctx context.Context, profile *models.MyTaxProfile) error {
	if err := s.db.UpdateProfile(ctx, profile); err != nil {
		return err
	}
	s.audit(ctx, "mytax_profile_updated", fmt.Sprintf("Обновлен профиль: %s", profile.Name))
	return nil
}

// Login выполняет вход профиля у провайдера. Уже авторизованный профиль без
// force не трогаем: повторный вход инвалидирует живые токены.
func (s *ProfileService) Login(ctx context.Context, id int64, force bool) (*models.MyTaxProfile, error) {
	profile, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile.IsAuthenticated && !force {
		return profile, nil
	}

	adapter, err := s.factory(profile)
	if err != nil {
		return nil, err
	}

	wasAuthenticated := profile.IsAuthenticated
	session, loginErr := adapter.Login(ctx)
	if loginErr != nil {
		s.recordAuthError(ctx, profile, loginErr)
	} else if err := s.markAuthenticated(ctx, profile, session, wasAuthenticated); err != nil {
		return nil, err
	}
	s.audit(ctx, "mytax_profile_login", fmt.Sprintf("Обновлен статус авторизации: %s", profile.Name))

	if loginErr != nil {
		return nil, loginErr
	}
	s.logger.Info().Int64("profile_id", profile.ID).Str("name", profile.Name).Msg("Profile logged in")
	return profile, nil
}

// CheckAuth проверяет готовность профиля к запросам и фиксирует результат.
// Отказ авторизации — не ошибка вызова: он виден в is_authenticated и
// last_error возвращённого профиля.
func (s *ProfileService) CheckAuth(ctx context.Context, id int64) (*models.MyTaxProfile, error) {
	profile, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := s.factory(profile)
	if err != nil {
		return nil, err
	}

	wasAuthenticated := profile.IsAuthenticated
	session, checkErr := adapter.EnsureAuthenticated(ctx)
	if checkErr != nil {
		s.recordAuthError(ctx, profile, checkErr)
	} else if err := s.markAuthenticated(ctx, profile, session, wasAuthenticated); err != nil {
		return nil, err
	}

	s.audit(ctx, "mytax_auth_check", fmt.Sprintf("Проверка авторизации профиля: %s", profile.Name))
	return profile, nil
}

// StartPhoneChallenge запрашивает SMS-код и запоминает незавершённый
// челлендж до его истечения.
func (s *ProfileService) StartPhoneChallenge(ctx context.Context, id int64, phone string) (*models.PhoneChallenge, error) {
	profile, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if phone == "" {
		phone = profile.Phone
	}
	if phone == "" {
		return nil, ErrPhoneRequired
	}

	adapter, err := s.factory(profile)
	if err != nil {
		return nil, err
	}
	info, err := adapter.StartPhoneChallenge(ctx, phone)
	if err != nil {
		return nil, err
	}

	challenge := &models.PhoneChallenge{
		ProfileID:      profile.ID,
		Phone:          phone,
		ChallengeToken: info.ChallengeToken,
		ExpireDate:     info.ExpireDate,
	}
	if err := s.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to save phone challenge: %w", err)
	}

	s.audit(ctx, "mytax_phone_start", fmt.Sprintf("Запрошен SMS-код для профиля: %s", profile.Name))
	return challenge, nil
}

// VerifyPhoneChallenge обменивает код из SMS на токены. Телефон и токен
// челленджа можно не передавать: возьмутся из сохранённого.
func (s *ProfileService) VerifyPhoneChallenge(ctx context.Context, id int64, phone, challengeToken, code string) (*models.MyTaxProfile, error) {
	profile, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	challenge, err := s.challenges.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load phone challenge: %w", err)
	}
	if challenge == nil {
		return nil, ErrChallengeNotFound
	}
	if phone == "" {
		phone = challenge.Phone
	}
	if challengeToken == "" {
		challengeToken = challenge.ChallengeToken
	}

	adapter, err := s.factory(profile)
	if err != nil {
		return nil, err
	}

	wasAuthenticated := profile.IsAuthenticated
	session, err := adapter.VerifyPhoneChallenge(ctx, phone, challengeToken, code)
	if err != nil {
		s.recordAuthError(ctx, profile, err)
		return nil, err
	}
	if err := s.markAuthenticated(ctx, profile, session, wasAuthenticated); err != nil {
		return nil, err
	}
	if err := s.challenges.ClearChallenge(ctx, id); err != nil {
		s.logger.Warn().Err(err).Int64("profile_id", id).Msg("Failed to clear phone challenge")
	}

	s.audit(ctx, "mytax_phone_verify", fmt.Sprintf("Профиль авторизован по SMS-коду: %s", profile.Name))
	s.logger.Info().Int64("profile_id", profile.ID).Msg("Profile authenticated via phone challenge")
	return profile, nil
}

// markAuthenticated сохраняет свежие токены и флаг авторизации. Переход из
// неавторизованного состояния публикуется на шину: по нему возвращаются в
// очередь задачи waiting_auth.
func (s *ProfileService) markAuthenticated(ctx context.Context, profile *models.MyTaxProfile, session *mytax.Session, wasAuthenticated bool) error {
	applySession(profile, session)
	now := time.Now()
	profile.IsAuthenticated = true
	profile.LastError = ""
	profile.LastAuthAt = &now
	if err := s.db.UpdateProfileAuthState(ctx, profile); err != nil {
		return fmt.Errorf("failed to persist profile auth state: %w", err)
	}
	if !wasAuthenticated {
		s.publishProfileEvent(events.EventProfileAuthenticated, profile, "")
	}
	return nil
}

// recordAuthError фиксирует исход неудачной авторизации. Отказ провайдера
// снимает флаг авторизации, транзиентный сбой оставляет его как есть:
// недоступность сети ничего не говорит о валидности токенов.
func (s *ProfileService) recordAuthError(ctx context.Context, profile *models.MyTaxProfile, cause error) {
	var authErr *mytax.AuthError
	if errors.As(cause, &authErr) {
		profile.IsAuthenticated = false
		profile.LastError = cause.Error()
		if err := s.db.UpdateProfileAuthState(ctx, profile); err != nil {
			s.logger.Error().Err(err).Int64("profile_id", profile.ID).Msg("Failed to persist profile auth state")
		}
		s.publishProfileEvent(events.EventProfileAuthFailed, profile, cause.Error())
		return
	}

	profile.LastError = cause.Error()
	if err := s.db.UpdateProfileAuthState(ctx, profile); err != nil {
		s.logger.Error().Err(err).Int64("profile_id", profile.ID).Msg("Failed to persist profile auth state")
	}
}

func (s *ProfileService) publishProfileEvent(eventType string, profile *models.MyTaxProfile, errText string) {
	if s.bus == nil {
		return
	}

	payload := events.ProfileEventPayload{
		ProfileID: profile.ID,
		Name:      profile.Name,
		Provider:  profile.Provider,
		Error:     errText,
	}
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("profile_id", profile.ID).Msg("publish event error")
	}
}

func (s *ProfileService) audit(ctx context.Context, event, message string) {
	entry := &models.AppLog{Level: "info", Event: event, Message: message}
	if err := s.db.AppendLog(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to append audit log")
	}
}

// applySession переносит токены сессии в профиль. Реальные клиенты делают то
// же со своей копией, но контракт интерфейса — вернуть Session, поэтому
// сервис не полагается на побочный эффект.
func applySession(profile *models.MyTaxProfile, session *mytax.Session) {
	if session == nil {
		return
	}
	profile.AccessToken = session.AccessToken
	if session.RefreshToken != "" {
		profile.RefreshToken = session.RefreshToken
	}
	profile.TokenExpiresAt = session.TokenExpiresAt
}
