// Package config loads all runtime configuration from environment variables.
// No config files and no third-party config framework are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for LogExpert.
type Config struct {
	HTTP     HTTPConfig
	DB       DBConfig
	Log      LogConfig
	JWT      JWTConfig
	App      AppConfig
	Worker   WorkerConfig
	OTel     OTelConfig
	Incident IncidentConfig
	Billing  BillingConfig
	Notify   NotifyConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string // required when Driver == "postgres"
	File     string // SQLite database file path (default: "logexpert.db")
	MaxConns int    // Postgres only
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// JWTConfig holds JSON Web Token signing and expiry settings.
type JWTConfig struct {
	Secret     string //nolint:gosec // intentional: holds JWT signing secret loaded from env
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AppConfig holds application-level settings such as seed credentials.
type AppConfig struct {
	SeedAdminEmail    string
	SeedAdminPassword string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
}

// IncidentConfig bounds the external calls made by the lifecycle service.
type IncidentConfig struct {
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
}

// BillingConfig holds payment provider webhook settings.
type BillingConfig struct {
	WebhookSecret   string //nolint:gosec // intentional: holds webhook signing secret loaded from env
	PriceStarter    string
	PricePro        string
	PriceEnterprise string
	// StaleEventGuard skips provider events older than the stored row.
	StaleEventGuard bool
}

// NotifyConfig enables the optional notification sinks. A sink is enabled
// when its endpoint is set.
type NotifyConfig struct {
	SlackWebhookURL string
	SMTP            SMTPConfig
}

// SMTPConfig holds outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // intentional: holds SMTP password loaded from env
	From     string
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "logexpert.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// JWT (required)
	cfg.JWT.Secret = os.Getenv("JWT_SECRET")
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	var err error
	cfg.JWT.AccessTTL, err = envDuration("JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("JWT_ACCESS_TTL: %w", err)
	}
	cfg.JWT.RefreshTTL, err = envDuration("JWT_REFRESH_TTL", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("JWT_REFRESH_TTL: %w", err)
	}

	// App
	cfg.App.SeedAdminEmail = envStr("SEED_ADMIN_EMAIL", "admin@logexpert.local")
	cfg.App.SeedAdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Incident
	cfg.Incident.StoreTimeout, err = envDuration("STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("STORE_TIMEOUT: %w", err)
	}
	cfg.Incident.NotifyTimeout, err = envDuration("NOTIFY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NOTIFY_TIMEOUT: %w", err)
	}

	// Billing
	cfg.Billing.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.Billing.PriceStarter = envStr("STRIPE_PRICE_STARTER", "price_starter_monthly")
	cfg.Billing.PricePro = envStr("STRIPE_PRICE_PRO", "price_pro_monthly")
	cfg.Billing.PriceEnterprise = envStr("STRIPE_PRICE_ENTERPRISE", "price_enterprise_monthly")
	cfg.Billing.StaleEventGuard = envBool("BILLING_STALE_EVENT_GUARD", false)

	// Notify
	cfg.Notify.SlackWebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	cfg.Notify.SMTP.Host = os.Getenv("SMTP_HOST")
	cfg.Notify.SMTP.Port = envInt("SMTP_PORT", 587)
	cfg.Notify.SMTP.User = os.Getenv("SMTP_USER")
	cfg.Notify.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.Notify.SMTP.From = os.Getenv("SMTP_FROM")
	if cfg.Notify.SMTP.Host != "" && cfg.Notify.SMTP.From == "" {
		return nil, errors.New("SMTP_FROM is required when SMTP_HOST is set")
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
