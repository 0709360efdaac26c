package main

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"github.com/spf13/viper"
	"go.trai.ch/zerr"
)

type appConfig struct {
	Addr            string
	Log             logging.Options
	ShutdownTimeout time.Duration

	CacheDSN   string
	LedgerDSN  string
	JournalDSN string
	CacheTTLs  map[relaycache.EntityType]time.Duration

	PolicyFile string
	SchemaDir  string

	NotionBaseURL     string
	NotionToken       string
	NotionDatabases   map[relaycache.EntityType]string
	SourceMinInterval time.Duration
	SourceTimeout     time.Duration

	QueueMaxAttempts   int
	QueueBackoffBase   time.Duration
	QueueBackoffCap    time.Duration
	QueueHistoryLimit  int
	QueueHistoryWindow time.Duration

	BackgroundStrategy relaycache.Resolution
	HTTP               httpapi.ServerConfig
}

// newViper layers RELAYCACHE_* environment variables over the defaults. Nested keys map to
// underscores, so notion.databases.task reads RELAYCACHE_NOTION_DATABASES_TASK.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAYCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("data_dir", ".relaycache")
	v.SetDefault("source.min_interval", 334*time.Millisecond)
	v.SetDefault("source.timeout", 20*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_cap", 30*time.Second)
	v.SetDefault("queue.history_limit", 100)
	v.SetDefault("queue.history_window", 5*time.Minute)
	v.SetDefault("http.rate_limit_window", time.Minute)
	return v
}

func loadConfig(v *viper.Viper) (appConfig, error) {
	if file := strings.TrimSpace(v.GetString("config")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return appConfig{}, zerr.With(zerr.Wrap(err, "read config file"), "path", file)
		}
	}

	profileCache, profileLedger, profileJournal, err := storageProfileDefaults(
		v.GetString("backend.profile"),
		v.GetString("data_dir"),
		v.GetString("production_dsn"),
		v.GetString("redis_url"),
	)
	if err != nil {
		return appConfig{}, err
	}

	cfg := appConfig{
		Addr: v.GetString("addr"),
		Log: logging.Options{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		CacheDSN:           firstNonEmpty(v.GetString("cache.dsn"), profileCache),
		LedgerDSN:          firstNonEmpty(v.GetString("ledger.dsn"), profileLedger),
		JournalDSN:         firstNonEmpty(v.GetString("journal.dsn"), profileJournal),
		CacheTTLs:          map[relaycache.EntityType]time.Duration{},
		PolicyFile:         strings.TrimSpace(v.GetString("policy.file")),
		SchemaDir:          strings.TrimSpace(v.GetString("schema.dir")),
		NotionBaseURL:      v.GetString("notion.base_url"),
		NotionToken:        strings.TrimSpace(v.GetString("notion.token")),
		NotionDatabases:    map[relaycache.EntityType]string{},
		SourceMinInterval:  v.GetDuration("source.min_interval"),
		SourceTimeout:      v.GetDuration("source.timeout"),
		QueueMaxAttempts:   v.GetInt("queue.max_attempts"),
		QueueBackoffBase:   v.GetDuration("queue.backoff_base"),
		QueueBackoffCap:    v.GetDuration("queue.backoff_cap"),
		QueueHistoryLimit:  v.GetInt("queue.history_limit"),
		QueueHistoryWindow: v.GetDuration("queue.history_window"),
		HTTP: httpapi.ServerConfig{
			JWTSecret:       v.GetString("http.jwt_secret"),
			Audience:        v.GetString("http.audience"),
			RateLimitMax:    v.GetInt("http.rate_limit_max"),
			RateLimitWindow: v.GetDuration("http.rate_limit_window"),
			MaxBodyBytes:    v.GetInt64("http.max_body_bytes"),
			EventBuffer:     v.GetInt("http.event_buffer"),
			OriginPatterns:  v.GetStringSlice("http.origin_patterns"),
		},
	}
	for _, entityType := range relaycache.AllEntityTypes {
		if db := strings.TrimSpace(v.GetString("notion.databases." + string(entityType))); db != "" {
			cfg.NotionDatabases[entityType] = db
		}
		if ttl := v.GetDuration("cache.ttl." + string(entityType)); ttl > 0 {
			cfg.CacheTTLs[entityType] = ttl
		}
	}
	if raw := strings.TrimSpace(v.GetString("coordinator.background_strategy")); raw != "" {
		strategy := relaycache.Resolution(raw)
		if !strategy.IsStrategy() {
			return appConfig{}, zerr.With(zerr.New("unsupported coordinator.background_strategy: "+raw), "strategy", raw)
		}
		cfg.BackgroundStrategy = strategy
	}
	return cfg, nil
}

// storageProfileDefaults returns the DSNs a backend profile implies. Explicit DSNs still win.
func storageProfileDefaults(profile, dataDir, productionDSN, redisURL string) (cacheDSN, ledgerDSN, journalDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".relaycache"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "memory://",
			"sqlite://" + filepath.Join(dataDir, "conflicts.db"),
			"file://" + filepath.Join(dataDir, "sync-queue.json"),
			nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		redisURL = strings.TrimSpace(redisURL)
		if productionDSN == "" {
			return "", "", "", zerr.New("RELAYCACHE_PRODUCTION_DSN is required when RELAYCACHE_BACKEND_PROFILE=" + profile)
		}
		if redisURL == "" {
			return "", "", "", zerr.New("RELAYCACHE_REDIS_URL is required when RELAYCACHE_BACKEND_PROFILE=" + profile)
		}
		return redisURL, productionDSN, productionDSN, nil
	default:
		return "", "", "", zerr.New("unsupported RELAYCACHE_BACKEND_PROFILE: " + profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
