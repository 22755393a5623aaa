// Package api поднимает HTTP-слой сервиса: публичный приём вебхуков
// платёжного шлюза и административный API под ключами. Вебхук отвечает
// быстро и всегда 2xx для активного магазина, вся тяжёлая работа уходит
// в очередь.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chekodel/internal/config"
	"chekodel/internal/database"
	"chekodel/internal/ingest"
	"chekodel/internal/metrics"
	"chekodel/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxWebhookBody = 1 << 20

// HTTPServer обслуживает вебхуки и админский API на одном порту.
type HTTPServer struct {
	cfg      *config.Config
	db       *database.DB
	ingestor *ingest.Ingestor
	profiles *service.ProfileService
	queue    *service.QueueService
	logger   *zerolog.Logger

	server  *http.Server
	auth    *HTTPAuth
	trusted []*net.IPNet

	webhookLimiters sync.Map // map[string]*rate.Limiter по пути вебхука
}

func NewHTTPServer(
	cfg *config.Config,
	db *database.DB,
	ingestor *ingest.Ingestor,
	profiles *service.ProfileService,
	queue *service.QueueService,
	logger *zerolog.Logger,
) (*HTTPServer, error) {
	trusted, err := parseTrustedNetworks(cfg.Webhook.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted networks: %w", err)
	}

	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		ingestor: ingestor,
		profiles: profiles,
		queue:    queue,
		logger:   logger,
		trusted:  trusted,
	}
	srv.auth = NewHTTPAuth(cfg.API)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/webhook/", srv.handleWebhook)

	admin := http.NewServeMux()
	admin.HandleFunc("/api/stores", srv.handleStores)
	admin.HandleFunc("/api/stores/", srv.handleStoreByID)
	admin.HandleFunc("/api/profiles", srv.handleProfiles)
	admin.HandleFunc("/api/profiles/", srv.handleProfileByID)
	admin.HandleFunc("/api/relay-targets", srv.handleRelayTargets)
	admin.HandleFunc("/api/relay-targets/", srv.handleRelayTargetByID)
	admin.HandleFunc("/api/telegram-channels", srv.handleTelegramChannels)
	admin.HandleFunc("/api/telegram-channels/", srv.handleTelegramChannelByID)
	admin.HandleFunc("/api/events", srv.handleEvents)
	admin.HandleFunc("/api/queue", srv.handleQueue)
	admin.HandleFunc("/api/queue/retry", srv.handleQueueRetry)
	admin.HandleFunc("/api/receipts", srv.handleReceipts)
	admin.HandleFunc("/api/receipts/export", srv.handleReceiptsExport)
	admin.HandleFunc("/api/logs", srv.handleLogs)
	admin.HandleFunc("/api/stats", srv.handleStats)
	mux.Handle("/api/", srv.auth.Wrap(admin))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv, nil
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook принимает уведомление шлюза. Отвечаем быстро: событие и
// задача уже в базе, чек сделает воркер. Неактивный магазин неотличим от
// несуществующего.
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhook/"), "/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if !s.remoteTrusted(r) {
		writeError(w, http.StatusForbidden, "source address is not allowed")
		return
	}

	if lim := s.webhookLimiter(path); lim != nil && !lim.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	store, err := s.db.GetStoreByWebhookPath(r.Context(), path)
	if errors.Is(err, database.ErrStoreNotFound) {
		writeError(w, http.StatusNotFound, "unknown webhook path")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("webhook_path", path).Msg("Failed to resolve store")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), store, body)
	if err != nil {
		s.logger.Error().Err(err).Int64("store_id", store.ID).Msg("Webhook ingestion failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.IncWebhook(result.Event.EventType, result.Event.Status)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "accepted",
		"event_id":     result.Event.ID,
		"relay_status": result.Event.RelayStatus,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// remoteTrusted проверяет адрес источника по списку доверенных сетей.
// Пустой список означает «принимать отовсюду».
func (s *HTTPServer) remoteTrusted(r *http.Request) bool {
	if len(s.trusted) == 0 {
		return true
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *HTTPServer) webhookLimiter(path string) *rate.Limiter {
	if s.cfg.Webhook.RateRPS <= 0 {
		return nil
	}
	if v, ok := s.webhookLimiters.Load(path); ok {
		return v.(*rate.Limiter)
	}

	burst := s.cfg.Webhook.RateBurst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(s.cfg.Webhook.RateRPS), burst)
	actual, loaded := s.webhookLimiters.LoadOrStore(path, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func parseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, raw := range cidrs {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			// Одиночный адрес считаем сетью из одного хоста
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", raw, err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// HTTPAuth закрывает админский API ключами с раздельными правами и
// пер-ключевым лимитом запросов.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerAPIKey()))
	extra := strings.TrimSpace(r.Header.Get(a.headerExtra()))
	if apiKey == "" || extra == "" {
		return fmt.Errorf("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return fmt.Errorf("invalid extra header")
	}

	return a.checkPermissions(client, r)
}

// checkPermissions сверяет права ключа с запросом. Пустой список прав у
// ключа означает полный доступ.
func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermission(r)
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}

	verb := strings.SplitN(required, ":", 2)[0]
	for _, p := range client.Permissions {
		trimmed := strings.TrimSpace(p)
		if trimmed == required || trimmed == verb+":*" {
			return nil
		}
	}
	return errPermissionDenied
}

// requiredPermission выводит право из метода и первого сегмента пути:
// GET /api/stores требует read:stores либо read:*.
func requiredPermission(r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.Path, "/api/")
	if rest == r.URL.Path || rest == "" {
		return ""
	}
	resource := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		resource = rest[:idx]
	}

	verb := "write"
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		verb = "read"
	}
	return verb + ":" + resource
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	lim := a.getLimiter(a.clientKey(r))
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerAPIKey())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func (a *HTTPAuth) headerAPIKey() string {
	if h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey)); h != "" {
		return h
	}
	return "x-api-key"
}

func (a *HTTPAuth) headerExtra() string {
	if h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderExtra)); h != "" {
		return h
	}
	return "x-api-extra"
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(routeLabel(r.URL.Path))
		s.logger.Info().
			Str("component", "http").
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// routeLabel обрезает путь до первых двух сегментов, чтобы не раздувать
// кардинальность метрики идентификаторами.
func routeLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/" + parts[1]
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
