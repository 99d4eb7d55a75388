// Package config loads application configuration.
//
// Sources are applied in order, later wins: built-in defaults, an optional YAML
// file, a .env file and DRIP_ prefixed environment variables. A double
// underscore in a variable name separates sections, so DRIP_EMAIL__SMTP_HOST
// sets email.smtp_host.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DRIP_"

// Store backends.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendFile     = "file"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Store    StoreConfig    `koanf:"store"`
	Auth     AuthConfig     `koanf:"auth"`
	Email    EmailConfig    `koanf:"email"`
	HubSpot  HubSpotConfig  `koanf:"hubspot"`
	Sequence SequenceConfig `koanf:"sequence"`
	Worker   WorkerConfig   `koanf:"worker"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	PublicURL         string        `koanf:"public_url" validate:"required,url"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// StoreConfig selects the schedule store backend.
type StoreConfig struct {
	Backend string `koanf:"backend" validate:"oneof=postgres file"`
	FileDir string `koanf:"file_dir"`
}

// AuthConfig holds shared secrets.
type AuthConfig struct {
	// CronSecret protects the queue processing endpoint. Empty disables it.
	CronSecret string `koanf:"cron_secret"`
	// AdminToken protects sequence administration. Empty disables it.
	AdminToken        string `koanf:"admin_token"`
	UnsubscribeSecret string `koanf:"unsubscribe_secret" validate:"required"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled            bool   `koanf:"enabled"`
	DevMode            bool   `koanf:"dev_mode"`
	SMTPHost           string `koanf:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort           int    `koanf:"smtp_port" validate:"gte=1,lte=65535"`
	SMTPUser           string `koanf:"smtp_user"`
	SMTPPassword       string `koanf:"smtp_password"`
	FromAddress        string `koanf:"from_address" validate:"required_if=Enabled true"`
	FromName           string `koanf:"from_name"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
}

// HubSpotConfig configures the CRM client.
type HubSpotConfig struct {
	Enabled   bool          `koanf:"enabled"`
	APIKey    string        `koanf:"api_key" validate:"required_if=Enabled true"`
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	RateLimit float64       `koanf:"rate_limit" validate:"gt=0"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
}

// SequenceConfig configures sequence content.
type SequenceConfig struct {
	ChecklistPDFPath   string `koanf:"checklist_pdf_path"`
	DefaultDisplayName string `koanf:"default_display_name" validate:"required"`
	SiteURL            string `koanf:"site_url" validate:"omitempty,url"`
	BookingURL         string `koanf:"booking_url" validate:"omitempty,url"`
}

// WorkerConfig configures the in-process queue trigger and processor.
type WorkerConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Schedule    string        `koanf:"schedule" validate:"required_if=Enabled true"`
	Concurrency int           `koanf:"concurrency" validate:"gte=1"`
	RunTimeout  time.Duration `koanf:"run_timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			PublicURL:         "http://localhost:8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       120 * time.Second,
			RequestTimeout:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  60 * time.Second,
			AutoMigrate:     true,
		},
		Store: StoreConfig{
			Backend: StoreBackendPostgres,
			FileDir: "data",
		},
		Email: EmailConfig{
			SMTPPort: 587,
			FromName: "Lead Drip",
		},
		HubSpot: HubSpotConfig{
			BaseURL:   "https://api.hubapi.com",
			RateLimit: 9,
			Timeout:   10 * time.Second,
		},
		Sequence: SequenceConfig{
			DefaultDisplayName: "Friend",
		},
		Worker: WorkerConfig{
			Schedule:    "0 * * * *",
			Concurrency: 4,
			RunTimeout:  5 * time.Minute,
		},
	}
}

// Load reads configuration. An empty path or a missing file skips the YAML source.
func Load(path string) (*Config, error) {
	// .env is optional and never overrides variables already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps DRIP_EMAIL__SMTP_HOST to email.smtp_host.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Store.Backend {
	case StoreBackendPostgres:
		if c.Database.URL == "" {
			return errors.New("invalid config: database.url is required for the postgres store")
		}
	case StoreBackendFile:
		if c.Store.FileDir == "" {
			return errors.New("invalid config: store.file_dir is required for the file store")
		}
	}

	return nil
}
