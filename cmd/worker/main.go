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

	"chekodel/internal/config"
	"chekodel/internal/database"
	"chekodel/internal/domain"
	"chekodel/internal/logging"
	"chekodel/internal/metrics"
	"chekodel/internal/models"
	"chekodel/internal/mytax"
	"chekodel/internal/notify"
	"chekodel/internal/relay"
	"chekodel/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	if cfg.Worker.Embedded {
		logger.Warn().Msg("Worker is embedded in server config, but starting standalone worker. Check your config.")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := providerFactory(cfg.Provider)
	dispatcher := relay.NewDispatcher(cfg.Relay, &logger)
	notifier := notify.New(cfg.Telegram, &logger)

	startMetrics(ctx, cfg, &logger)

	w := worker.New(db, factory, dispatcher, notifier, cfg.Worker, &logger)
	w.Start(ctx)

	return nil
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
	logger := logging.Component(baseLogger, "worker-main")

	return cfg, logger, closer, nil
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

	go func() {
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
	}()
}
