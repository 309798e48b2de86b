package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot transport settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// AdminsConfig is the static admin allow-list. Admin identity is derived from
// this snapshot, never stored alongside users.
type AdminsConfig struct {
	IDs []int64 `yaml:"ids" envconfig:"ADMIN_IDS"`
}

// Contains reports whether the given user id is in the admin allow-list.
func (a AdminsConfig) Contains(userID int64) bool {
	for _, id := range a.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// StoreConfig points at the JSON document file backing the ledger.
type StoreConfig struct {
	Path     string        `yaml:"path" envconfig:"STORE_PATH"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"STORE_CACHE_TTL"`
}

// PricingConfig carries the demo shop economics. It is an immutable snapshot
// handed to services at construction time; runtime price changes require a
// restart with new configuration.
type PricingConfig struct {
	// PaymentGrant is the unit_a credit applied when an admin approves a
	// submitted payment proof.
	PaymentGrant float64 `yaml:"payment_grant" envconfig:"PRICING_PAYMENT_GRANT"`
	// EntryFee is the amount a user is asked to transfer as payment proof.
	EntryFee float64 `yaml:"entry_fee" envconfig:"PRICING_ENTRY_FEE"`
}

// FlowConfig tunes conversation behaviour.
type FlowConfig struct {
	// IdleTimeout resets abandoned conversations back to idle. 0 disables the sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout" envconfig:"FLOW_IDLE_TIMEOUT"`
}

// HTTPConfig configures the read-only/admin HTTP surface.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
	// AdminToken guards the pending-payment endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token" envconfig:"HTTP_ADMIN_TOKEN"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Dir     string `yaml:"dir"`
	BotFile string `yaml:"bot_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// RateLimitConfig holds settings for per-user rate limiting.
type RateLimitConfig struct {
	IntervalMS int `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	// ExcludeCallbacks lets inline button presses bypass limiting so admin
	// approve/reject taps are never dropped.
	ExcludeCallbacks bool `yaml:"exclude_callbacks" envconfig:"RATE_LIMIT_EXCLUDE_CALLBACKS"`
}

// Config aggregates the full application configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Admins    AdminsConfig    `yaml:"admins"`
	Store     StoreConfig     `yaml:"store"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Flow      FlowConfig      `yaml:"flow"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if len(cfg.Admins.IDs) == 0 {
		return fmt.Errorf("admins.ids must list at least one admin")
	}
	seen := make(map[int64]struct{}, len(cfg.Admins.IDs))
	for _, id := range cfg.Admins.IDs {
		if id <= 0 {
			return fmt.Errorf("admins.ids contains invalid id %d", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("admins.ids contains duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = "data/store.json"
	}
	if cfg.Store.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl must be >= 0")
	}

	if cfg.Pricing.PaymentGrant <= 0 {
		cfg.Pricing.PaymentGrant = 1
	}
	if cfg.Pricing.EntryFee < 0 {
		return fmt.Errorf("pricing.entry_fee must be >= 0")
	}

	if cfg.Flow.IdleTimeout < 0 {
		return fmt.Errorf("flow.idle_timeout must be >= 0")
	}

	return nil
}
