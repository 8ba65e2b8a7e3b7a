// Package config loads engine settings and process configuration from the
// environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/liamcoop/automation/authz"
)

// Settings are the guardrail limits and behavior switches of the engine.
type Settings struct {
	MaxDepth           int  `env:"AUTOMATION_MAX_DEPTH" envDefault:"3" json:"max_depth"`
	MaxActions         int  `env:"AUTOMATION_MAX_ACTIONS" envDefault:"25" json:"max_actions"`
	MaxSetFieldActions int  `env:"AUTOMATION_MAX_SET_FIELD_ACTIONS" envDefault:"10" json:"max_set_field_actions"`
	AutoRun            bool `env:"AUTOMATION_AUTO_RUN" envDefault:"true" json:"auto_run"`
}

// DefaultSettings returns the built-in limits.
func DefaultSettings() Settings {
	return Settings{MaxDepth: 3, MaxActions: 25, MaxSetFieldActions: 10, AutoRun: true}
}

// SettingsProvider resolves settings for a legal entity. An empty
// legalEntityID asks for the tenant-wide settings.
type SettingsProvider interface {
	Settings(ctx context.Context, legalEntityID string) Settings
}

// StaticSettings serves the same settings to every legal entity.
type StaticSettings Settings

func (s StaticSettings) Settings(context.Context, string) Settings {
	return Settings(s)
}

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Config is the process configuration of the server and tools.
type Config struct {
	Settings Settings

	ErrorMessageLimit int    `env:"AUTOMATION_ERROR_MESSAGE_LIMIT" envDefault:"1000"`
	DatabaseURL       string `env:"AUTOMATION_DATABASE_URL"`
	HTTPPort          int    `env:"AUTOMATION_HTTP_PORT" envDefault:"8080"`

	LedgerBackend string `env:"AUTOMATION_LEDGER_BACKEND" envDefault:"postgres"`
	RedisAddr     string `env:"AUTOMATION_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix   string `env:"AUTOMATION_REDIS_PREFIX" envDefault:"automation:"`

	AuthzModelPath           string `env:"AUTOMATION_AUTHZ_MODEL_PATH"`
	AuthzPolicyPath          string `env:"AUTOMATION_AUTHZ_POLICY_PATH"`
	AuthzMode                string `env:"AUTOMATION_AUTHZ_MODE" envDefault:"enforce"`
	AuthzUnsafeAllowDisabled bool   `env:"AUTOMATION_AUTHZ_UNSAFE_ALLOW_DISABLED"`

	LogLevel        string `env:"AUTOMATION_LOG_LEVEL" envDefault:"INFO"`
	ErrorSampleRate int    `env:"AUTOMATION_ERROR_SAMPLE_RATE" envDefault:"1"`
	OTLPEndpoint    string `env:"AUTOMATION_OTEL_ENDPOINT"`

	WorkerInterval time.Duration `env:"AUTOMATION_WORKER_INTERVAL" envDefault:"1s"`
	WorkerBatch    int           `env:"AUTOMATION_WORKER_BATCH" envDefault:"50"`

	// WorkerStaleAfter fails jobs left running this long. Zero disables it.
	WorkerStaleAfter time.Duration `env:"AUTOMATION_WORKER_STALE_AFTER" envDefault:"15m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerMemory, LedgerPostgres, LedgerRedis:
	default:
		return fmt.Errorf("config: invalid ledger backend %q (expected memory|postgres|redis)", c.LedgerBackend)
	}
	if c.LedgerBackend == LedgerPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: postgres ledger requires AUTOMATION_DATABASE_URL")
	}
	if c.ErrorMessageLimit <= 0 {
		return fmt.Errorf("config: error message limit must be positive")
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	return nil
}

// Mode returns the configured authorization mode.
func (c Config) Mode() (authz.Mode, error) {
	return authz.ParseMode(c.AuthzMode, c.AuthzUnsafeAllowDisabled)
}
