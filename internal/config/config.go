package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Worker     WorkerConfig     `yaml:"worker"`
	Provider   ProviderConfig   `yaml:"provider"`
	Relay      RelayConfig      `yaml:"relay"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type WorkerConfig struct {
	Embedded      bool   `yaml:"embedded"`
	PollInterval  string `yaml:"poll_interval"`
	BatchSize     int    `yaml:"batch_size"`
	StuckAfter    string `yaml:"stuck_after"`
	SweepInterval string `yaml:"sweep_interval"`
}

type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	ProxyBaseURL string `yaml:"proxy_base_url"`
	Timeout      string `yaml:"timeout"`
}

type RelayConfig struct {
	Timeout string `yaml:"timeout"`
}

type TelegramConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	Timeout     string `yaml:"timeout"`
}

type WebhookConfig struct {
	TrustedNetworks []string `yaml:"trusted_networks"`
	RateRPS         float64  `yaml:"rate_rps"`
	RateBurst       int      `yaml:"rate_burst"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	err := godotenv.Load(".env")
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api keys configured")
	}

	for _, k := range c.API.Auth.APIKeys {
		if k.Key == "" || k.Name == "" {
			return fmt.Errorf("api key '%s' must have both key and name", k.Name)
		}
	}

	return nil
}

// Duration разбирает строку-длительность с запасным значением.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	// Worker defaults
	if c.Worker.PollInterval == "" {
		c.Worker.PollInterval = "5s"
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 10
	}
	if c.Worker.StuckAfter == "" {
		c.Worker.StuckAfter = "5m"
	}
	if c.Worker.SweepInterval == "" {
		c.Worker.SweepInterval = "1m"
	}

	// Provider defaults
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://lknpd.nalog.ru"
	}
	if c.Provider.Timeout == "" {
		c.Provider.Timeout = "20s"
	}

	if c.Relay.Timeout == "" {
		c.Relay.Timeout = "15s"
	}
	if c.Telegram.Timeout == "" {
		c.Telegram.Timeout = "15s"
	}

	if c.Webhook.RateRPS == 0 {
		c.Webhook.RateRPS = 10
	}
	if c.Webhook.RateBurst == 0 {
		c.Webhook.RateBurst = 20
	}
}
