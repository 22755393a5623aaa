package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"chekodel/internal/database"
	"chekodel/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Сид для свежей установки: профили, магазины и их каналы доставки из одного
// YAML. Повторный запуск ничего не дублирует: записи ищутся по имени.
type SeedConfig struct {
	Profiles []SeedProfile `yaml:"profiles"`
	Stores   []SeedStore   `yaml:"stores"`
}

type SeedProfile struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	INN      string `yaml:"inn"`
	Password string `yaml:"password"`
	Phone    string `yaml:"phone"`
}

type SeedStore struct {
	Name             string        `yaml:"name"`
	WebhookPath      string        `yaml:"webhook_path"`
	Profile          string        `yaml:"profile"`
	RelayTargets     []SeedTarget  `yaml:"relay_targets"`
	TelegramChannels []SeedChannel `yaml:"telegram_channels"`
}

type SeedTarget struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
}

type SeedChannel struct {
	Name     string   `yaml:"name"`
	BotToken string   `yaml:"bot_token"`
	ChatID   string   `yaml:"chat_id"`
	Events   []string `yaml:"events"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		seedPath = flag.String("seed", "configs/seed.yaml", "path to seed.yaml")
		dbPath   = flag.String("db", "./data/chekodel.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg SeedConfig
	if err = yaml.Unmarshal(expanded, &cfg); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	if len(cfg.Stores) == 0 && len(cfg.Profiles) == 0 {
		return fmt.Errorf("nothing to seed in yaml")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	profileIDs, profilesCreated, err := seedProfiles(ctx, db, cfg.Profiles)
	if err != nil {
		return err
	}

	storesCreated := 0
	targetsCreated := 0
	channelsCreated := 0
	for _, ss := range cfg.Stores {
		if ss.Name == "" || ss.WebhookPath == "" {
			continue
		}
		store, created, err := seedStore(ctx, db, ss, profileIDs)
		if err != nil {
			return err
		}
		if created {
			storesCreated++
		}

		n, err := seedTargets(ctx, db, store, ss.RelayTargets)
		if err != nil {
			return err
		}
		targetsCreated += n

		n, err = seedChannels(ctx, db, store, ss.TelegramChannels)
		if err != nil {
			return err
		}
		channelsCreated += n
	}

	fmt.Printf("done: profiles=%d stores=%d targets=%d channels=%d\n",
		profilesCreated, storesCreated, targetsCreated, channelsCreated)
	return nil
}

func seedProfiles(ctx context.Context, db *database.DB, seeds []SeedProfile) (map[string]int64, int, error) {
	existing, err := db.ListProfiles(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list profiles: %w", err)
	}
	ids := make(map[string]int64, len(existing))
	for _, p := range existing {
		ids[p.Name] = p.ID
	}

	created := 0
	for _, sp := range seeds {
		if sp.Name == "" || sp.INN == "" {
			continue
		}
		if _, ok := ids[sp.Name]; ok {
			continue
		}
		provider := sp.Provider
		if provider == "" {
			provider = models.ProviderUnofficialAPI
		}
		profile := &models.MyTaxProfile{
			Name:     sp.Name,
			Provider: provider,
			INN:      sp.INN,
			Password: sp.Password,
			Phone:    sp.Phone,
			DeviceID: uuid.NewString(),
		}
		if err := db.CreateProfile(ctx, profile); err != nil {
			return nil, 0, fmt.Errorf("create profile %s: %w", sp.Name, err)
		}
		ids[sp.Name] = profile.ID
		created++
	}
	return ids, created, nil
}

func seedStore(ctx context.Context, db *database.DB, ss SeedStore, profileIDs map[string]int64) (*models.Store, bool, error) {
	existing, err := db.ListStores(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list stores: %w", err)
	}
	for i := range existing {
		if existing[i].Name == ss.Name {
			return &existing[i], false, nil
		}
	}

	store := &models.Store{
		Name:               ss.Name,
		WebhookPath:        ss.WebhookPath,
		IsActive:           true,
		AutoCancelOnRefund: true,
		RelayIgnoredEvents: true,
	}
	if ss.Profile != "" {
		id, ok := profileIDs[ss.Profile]
		if !ok {
			return nil, false, fmt.Errorf("store %s references unknown profile %s", ss.Name, ss.Profile)
		}
		store.ProfileID = &id
	}
	store.SetDefaults()

	if err := db.CreateStore(ctx, store); err != nil {
		return nil, false, fmt.Errorf("create store %s: %w", ss.Name, err)
	}
	return store, true, nil
}

func seedTargets(ctx context.Context, db *database.DB, store *models.Store, seeds []SeedTarget) (int, error) {
	existing, err := db.ListRelayTargets(ctx, &store.ID)
	if err != nil {
		return 0, fmt.Errorf("list relay targets: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, t := range existing {
		byName[t.Name] = true
	}

	created := 0
	for _, st := range seeds {
		if st.URL == "" || byName[st.Name] {
			continue
		}
		target := &models.RelayTarget{
			StoreID:  store.ID,
			Name:     st.Name,
			URL:      st.URL,
			Method:   st.Method,
			Headers:  st.Headers,
			IsActive: true,
		}
		if err := db.CreateRelayTarget(ctx, target); err != nil {
			return 0, fmt.Errorf("create relay target %s: %w", st.Name, err)
		}
		created++
	}
	return created, nil
}

func seedChannels(ctx context.Context, db *database.DB, store *models.Store, seeds []SeedChannel) (int, error) {
	existing, err := db.ListTelegramChannels(ctx, &store.ID)
	if err != nil {
		return 0, fmt.Errorf("list telegram channels: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, c := range existing {
		byName[c.Name] = true
	}

	created := 0
	for _, sc := range seeds {
		if sc.BotToken == "" || sc.ChatID == "" || byName[sc.Name] {
			continue
		}
		channel := &models.TelegramChannel{
			StoreID:           store.ID,
			Name:              sc.Name,
			BotToken:          sc.BotToken,
			ChatID:            sc.ChatID,
			Events:            sc.Events,
			IncludeReceiptURL: true,
			IsActive:          true,
		}
		if err := db.CreateTelegramChannel(ctx, channel); err != nil {
			return 0, fmt.Errorf("create telegram channel %s: %w", sc.Name, err)
		}
		created++
	}
	return created, nil
}
