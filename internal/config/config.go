// Package config loads service settings from the environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	MinConns int32
}

// URL returns a connection URL accepted by both pgx and lib/pq.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Config is the full service configuration.
type Config struct {
	Env          string
	Port         string
	ServiceName  string
	OTLPEndpoint string
	Telemetry    bool

	StoreDriver string
	Database    DatabaseConfig
	LockTimeout time.Duration

	CheckoutTimeout     time.Duration
	CheckoutMaxAttempts int

	TopUpMinAmount  decimal.Decimal
	TopUpSettlement string
	WebhookSecret   string

	JWTSecret          string
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:          getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		ServiceName:  getEnv("SERVICE_NAME", "account-store"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		Database: DatabaseConfig{
			User:     getEnv("DATABASE_USER", "root"),
			Password: getEnv("DATABASE_PASSWORD", "pass"),
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnv("DATABASE_PORT", "5432"),
			Name:     getEnv("DATABASE_NAME", "store_db"),
		},
		TopUpSettlement: getEnv("TOPUP_SETTLEMENT", "full"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
	}

	var err error
	if cfg.Telemetry, err = getBool("OTEL_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.Database.MaxConns, err = getInt32("DATABASE_MAX_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.Database.MinConns, err = getInt32("DATABASE_MIN_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("DB_LOCK_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckoutTimeout, err = getDuration("CHECKOUT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckoutMaxAttempts, err = getInt("CHECKOUT_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	minAmount := getEnv("TOPUP_MIN_AMOUNT", "10000")
	if cfg.TopUpMinAmount, err = decimal.NewFromString(minAmount); err != nil {
		return nil, fmt.Errorf("TOPUP_MIN_AMOUNT: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT must be positive")
	}
	if c.CheckoutTimeout <= 0 {
		return fmt.Errorf("CHECKOUT_TIMEOUT must be positive")
	}
	if c.CheckoutMaxAttempts < 1 {
		return fmt.Errorf("CHECKOUT_MAX_ATTEMPTS must be at least 1")
	}
	if !c.TopUpMinAmount.IsPositive() {
		return fmt.Errorf("TOPUP_MIN_AMOUNT must be positive")
	}
	if c.Env == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Env == "production" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt32(key string, defaultValue int32) (int32, error) {
	n, err := getInt(key, int(defaultValue))
	return int32(n), err
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
