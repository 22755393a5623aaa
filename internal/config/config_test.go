package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "test.db"
provider:
  base_url: "https://lknpd.nalog.ru"
worker:
  embedded: true
  poll_interval: "2s"
api:
  auth:
    enabled: true
    api_keys:
      - key: "secret"
        name: "admin"
        permissions: ["read:*", "write:*"]
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	// Mock .env file
	if err := os.WriteFile(".env", []byte(""), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	defer os.Remove(".env")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.Path != "test.db" {
		t.Errorf("expected database path test.db, got %s", cfg.Database.Path)
	}
	if !cfg.Worker.Embedded {
		t.Errorf("expected embedded worker enabled")
	}
	if cfg.Worker.PollInterval != "2s" {
		t.Errorf("expected poll_interval 2s, got %s", cfg.Worker.PollInterval)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default server port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "${CHEKODEL_DB_PATH}"
provider:
  base_url: "https://lknpd.nalog.ru"
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if err := os.WriteFile(".env", []byte(""), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	defer os.Remove(".env")

	t.Setenv("CHEKODEL_DB_PATH", "/tmp/expanded.db")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("expected expanded path /tmp/expanded.db, got %s", cfg.Database.Path)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Provider: ProviderConfig{BaseURL: "https://lknpd.nalog.ru"},
			},
			wantErr: false,
		},
		{
			name: "missing database path",
			cfg: Config{
				Provider: ProviderConfig{BaseURL: "https://lknpd.nalog.ru"},
			},
			wantErr: true,
		},
		{
			name: "auth enabled without keys",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Provider: ProviderConfig{BaseURL: "https://lknpd.nalog.ru"},
				API:      APIConfig{Auth: APIAuthConfig{Enabled: true}},
			},
			wantErr: true,
		},
		{
			name: "api key without name",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Provider: ProviderConfig{BaseURL: "https://lknpd.nalog.ru"},
				API: APIConfig{Auth: APIAuthConfig{
					Enabled: true,
					APIKeys: []APIClientKey{{Key: "k"}},
				}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Worker.PollInterval != "5s" {
		t.Errorf("expected default poll interval 5s, got %s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.BatchSize != 10 {
		t.Errorf("expected default batch size 10, got %d", cfg.Worker.BatchSize)
	}
	if cfg.Provider.BaseURL != "https://lknpd.nalog.ru" {
		t.Errorf("expected default provider base url, got %s", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Timeout != "20s" {
		t.Errorf("expected default provider timeout 20s, got %s", cfg.Provider.Timeout)
	}
	if cfg.API.Auth.HeaderAPIKey != "x-api-key" {
		t.Errorf("expected default api key header, got %s", cfg.API.Auth.HeaderAPIKey)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("30s", time.Minute); got != 30*time.Second {
		t.Errorf("expected 30s, got %v", got)
	}
	if got := Duration("", time.Minute); got != time.Minute {
		t.Errorf("expected fallback 1m, got %v", got)
	}
	if got := Duration("nonsense", 5*time.Second); got != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", got)
	}
}
