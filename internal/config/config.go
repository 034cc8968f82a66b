package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Gateway holds the immutable Redsys merchant credentials. Loaded once at
// startup and injected read-only everywhere; secret rotation means restarting
// with a new value, never mutating in place. The secret is never logged.
type Gateway struct {
	MerchantCode     string
	Terminal         string
	SecretKey        string
	Environment      string
	Currency         string
	ConsumerLanguage string
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	PublicBaseURL      string
	CORSAllowedOrigins []string

	Gateway Gateway

	IdempotencyTTL        time.Duration
	WebhookReplayTTL      time.Duration
	PaymentRateLimit      string
	FulfillmentWebhookURL string
	NotifyEmailFrom       string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		PublicBaseURL:      valueOrDefault(k.String("PUBLIC_BASE_URL"), "http://localhost:8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Gateway: Gateway{
			MerchantCode:     valueOrDefault(k.String("REDSYS_MERCHANT_CODE"), "999008881"),
			Terminal:         valueOrDefault(k.String("REDSYS_TERMINAL"), "001"),
			SecretKey:        k.String("REDSYS_SECRET_KEY"),
			Environment:      valueOrDefault(k.String("REDSYS_ENVIRONMENT"), "sandbox"),
			Currency:         valueOrDefault(k.String("REDSYS_CURRENCY"), "978"),
			ConsumerLanguage: valueOrDefault(k.String("REDSYS_CONSUMER_LANGUAGE"), "001"),
		},
		IdempotencyTTL:        parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL:      parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
		PaymentRateLimit:      valueOrDefault(k.String("PAYMENT_RATE_LIMIT"), "60-M"),
		FulfillmentWebhookURL: strings.TrimSpace(k.String("FULFILLMENT_WEBHOOK_URL")),
		NotifyEmailFrom:       valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "orders@tienda.local"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if err := cfg.Gateway.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces the configuration-fault contract: a service with broken
// key material must refuse to start rather than fail per request.
func (g Gateway) validate() error {
	if g.SecretKey == "" {
		return errors.New("REDSYS_SECRET_KEY is required")
	}
	raw, err := base64.StdEncoding.DecodeString(g.SecretKey)
	if err != nil {
		return fmt.Errorf("REDSYS_SECRET_KEY is not valid base64: %w", err)
	}
	if len(raw) != 24 {
		return fmt.Errorf("REDSYS_SECRET_KEY must decode to 24 bytes, got %d", len(raw))
	}
	switch g.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("REDSYS_ENVIRONMENT must be sandbox or production, got %q", g.Environment)
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
