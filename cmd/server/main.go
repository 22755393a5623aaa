package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chekodel/internal/api"
	"chekodel/internal/config"
	"chekodel/internal/database"
	"chekodel/internal/domain"
	"chekodel/internal/events"
	"chekodel/internal/ingest"
	"chekodel/internal/logging"
	"chekodel/internal/metrics"
	"chekodel/internal/models"
	"chekodel/internal/mytax"
	"chekodel/internal/notify"
	"chekodel/internal/relay"
	"chekodel/internal/repository"
	"chekodel/internal/service"
	"chekodel/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := initDatabase(cfg, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, challenges := initChallengeRepository(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	factory := providerFactory(cfg.Provider)
	dispatcher := relay.NewDispatcher(cfg.Relay, &logger)
	notifier := notify.New(cfg.Telegram, &logger)
	ingestor := ingest.New(db, dispatcher, notifier, &logger)

	eventBus := events.NewEventBus()
	worker.SubscribeAuthRecovery(eventBus, db, &logger)

	profiles := service.NewProfileService(db, factory, challenges, eventBus, &logger)
	queue := service.NewQueueService(db, &logger)

	httpServer, err := api.NewHTTPServer(cfg, db, ingestor, profiles, queue, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create http server")
		return err
	}

	if cfg.Worker.Embedded {
		embedded := worker.New(db, factory, dispatcher, notifier, cfg.Worker, &logger)
		go embedded.Start(ctx)
	}

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	return startServer(ctx, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logging.Component(baseLogger, "server-main")

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
		return err
	}
	if cfg.Exports.Path != "" {
		if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
			logger.Error().Err(err).Msg("Ошибка создания директории для экспорта")
			return err
		}
	}
	if cfg.Backup.Enabled && cfg.Backup.StoragePath != "" {
		if err := os.MkdirAll(cfg.Backup.StoragePath, 0o755); err != nil {
			logger.Error().Err(err).Msg("Ошибка создания директории для резервных копий")
			return err
		}
	}
	return nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	return db, nil
}

// initChallengeRepository выбирает хранилище SMS-челленджей: Redis с
// фолбэком в память, либо только память, когда Redis не настроен.
func initChallengeRepository(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.ChallengeRepository) {
	fallback := repository.NewMemoryChallengeRepository()
	if cfg.Redis.Address == "" {
		return nil, fallback
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisChallengeRepository(redisClient)
	return redisClient, repository.NewFailoverChallengeRepository(primary, fallback, logger)
}

func providerFactory(cfg config.ProviderConfig) domain.ProviderFactory {
	providerCfg := mytax.Config{
		BaseURL:      cfg.BaseURL,
		ProxyBaseURL: cfg.ProxyBaseURL,
		Timeout:      config.Duration(cfg.Timeout, 0),
	}
	return func(profile *models.MyTaxProfile) (mytax.Client, error) {
		return mytax.New(profile, providerCfg, nil)
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Int("http_port", cfg.Server.Port).
		Bool("embedded_worker", cfg.Worker.Embedded).
		Msg("Server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
