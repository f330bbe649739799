// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	AutoCheck AutoCheckConfig `mapstructure:"autocheck"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects and configures the durable record store backend.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	BadgerPath   string `mapstructure:"badger_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int    `mapstructure:"max_conns"`
	RetryMax     int    `mapstructure:"retry_max"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
}

// ScraperConfig configures the external scraper worker client.
type ScraperConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	CallbackBaseURL       string `mapstructure:"callback_base_url"`
	AcceptTimeoutSeconds  int    `mapstructure:"accept_timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	BackoffBaseMs         int    `mapstructure:"backoff_base_ms"`
	RestartBackoffSeconds []int  `mapstructure:"restart_backoff_seconds"`
	HealthTimeoutSeconds  int    `mapstructure:"health_timeout_seconds"`
}

// SearchConfig configures the external search API client.
type SearchConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// LLMConfig configures the analysis provider.
type LLMConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	APIKey             string  `mapstructure:"api_key"`
	Model              string  `mapstructure:"model"`
	MaxTokens          int     `mapstructure:"max_tokens"`
	MinRemainingTokens int     `mapstructure:"min_remaining_tokens"`
	ResetBufferSeconds float64 `mapstructure:"reset_buffer_seconds"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	MaxContentBytes    int     `mapstructure:"max_content_bytes"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
}

// AutoCheckConfig governs the recurring scheduler chain.
type AutoCheckConfig struct {
	DailyCap                int    `mapstructure:"daily_cap"`
	Timezone                string `mapstructure:"timezone"`
	WakeCron                string `mapstructure:"wake_cron"`
	PollIntervalSeconds     int    `mapstructure:"poll_interval_seconds"`
	PollBudgetSeconds       int    `mapstructure:"poll_budget_seconds"`
	MidPollHealthSeconds    int    `mapstructure:"mid_poll_health_seconds"`
	MinStartIntervalSeconds int    `mapstructure:"min_start_interval_seconds"`
}

// CleanupConfig controls the terminal-job sweeper.
type CleanupConfig struct {
	RetentionHours int    `mapstructure:"retention_hours"`
	SweepCron      string `mapstructure:"sweep_cron"`
}

// TriggerConfig selects the continuation queue backend.
type TriggerConfig struct {
	Backend        string `mapstructure:"backend"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	// WebhookURL, when set, mirrors every continuation message to an
	// external endpoint (best effort, dead-letter logged).
	WebhookURL  string `mapstructure:"webhook_url"`
	HTTPRetries int    `mapstructure:"http_retries"`
	HTTPDelayMs int    `mapstructure:"http_delay_ms"`
}

// ArchiveConfig controls raw-evidence blob storage.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EOLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.badger_path", "data/records")
	v.SetDefault("store.table", "records")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.retry_max", 3)
	v.SetDefault("store.retry_delay_ms", 200)
	v.SetDefault("scraper.accept_timeout_seconds", 10)
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.backoff_base_ms", 1000)
	v.SetDefault("scraper.restart_backoff_seconds", []int{15, 30})
	v.SetDefault("scraper.health_timeout_seconds", 5)
	v.SetDefault("search.max_results", 5)
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.min_remaining_tokens", 4000)
	v.SetDefault("llm.reset_buffer_seconds", 2.0)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.max_content_bytes", 24000)
	v.SetDefault("llm.timeout_seconds", 90)
	v.SetDefault("autocheck.daily_cap", 50)
	v.SetDefault("autocheck.timezone", "Asia/Tokyo")
	v.SetDefault("autocheck.wake_cron", "0 6 * * *")
	v.SetDefault("autocheck.poll_interval_seconds", 5)
	v.SetDefault("autocheck.poll_budget_seconds", 180)
	v.SetDefault("autocheck.mid_poll_health_seconds", 30)
	v.SetDefault("autocheck.min_start_interval_seconds", 10)
	v.SetDefault("cleanup.retention_hours", 48)
	v.SetDefault("cleanup.sweep_cron", "30 * * * *")
	v.SetDefault("trigger.backend", "memory")
	v.SetDefault("trigger.queue_depth", 64)
	v.SetDefault("trigger.http_retries", 2)
	v.SetDefault("trigger.http_delay_ms", 500)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "evidence")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "memory", "badger":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, badger, postgres")
	}
	if c.Scraper.AcceptTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.accept_timeout_seconds must be > 0")
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0")
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("llm.max_attempts must be > 0")
	}
	if c.AutoCheck.DailyCap <= 0 {
		return fmt.Errorf("autocheck.daily_cap must be > 0")
	}
	if _, err := time.LoadLocation(c.AutoCheck.Timezone); err != nil {
		return fmt.Errorf("autocheck.timezone invalid: %w", err)
	}
	if c.Cleanup.RetentionHours <= 0 {
		return fmt.Errorf("cleanup.retention_hours must be > 0")
	}
	switch c.Trigger.Backend {
	case "memory":
	case "pubsub":
		if c.Trigger.ProjectID == "" || c.Trigger.TopicID == "" || c.Trigger.SubscriptionID == "" {
			return fmt.Errorf("trigger.project_id, topic_id and subscription_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("trigger.backend must be memory or pubsub")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs")
	}
	return nil
}

// Location resolves the configured reference timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AutoCheck.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AcceptTimeout is the dispatch acknowledgement race budget.
func (c Config) AcceptTimeout() time.Duration {
	return time.Duration(c.Scraper.AcceptTimeoutSeconds) * time.Second
}
