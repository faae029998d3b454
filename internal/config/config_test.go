package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Arrange
	t.Setenv("APP_ENV", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DB_LOCK_TIMEOUT", "")
	t.Setenv("TOPUP_MIN_AMOUNT", "")

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 3, cfg.CheckoutMaxAttempts)
	assert.True(t, cfg.TopUpMinAmount.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, "full", cfg.TopUpSettlement)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("DB_LOCK_TIMEOUT", "500ms")
	t.Setenv("CHECKOUT_MAX_ATTEMPTS", "5")
	t.Setenv("TOPUP_MIN_AMOUNT", "20000")
	t.Setenv("TOPUP_SETTLEMENT", "percent:0.8")
	t.Setenv("OTEL_ENABLED", "false")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 5, cfg.CheckoutMaxAttempts)
	assert.True(t, cfg.TopUpMinAmount.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, "percent:0.8", cfg.TopUpSettlement)
	assert.False(t, cfg.Telemetry)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"STORE_DRIVER", "mysql"},
		{"DB_LOCK_TIMEOUT", "soon"},
		{"CHECKOUT_MAX_ATTEMPTS", "0"},
		{"TOPUP_MIN_AMOUNT", "abc"},
		{"TOPUP_MIN_AMOUNT", "-1"},
		{"OTEL_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestDatabaseConfig_URL(t *testing.T) {
	db := DatabaseConfig{User: "root", Password: "p@ss", Host: "db", Port: "5432", Name: "store_db"}
	assert.Equal(t, "postgres://root:p%40ss@db:5432/store_db?sslmode=disable", db.URL())
}
