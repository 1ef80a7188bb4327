package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PAYMENT_PROOF_SECRET", "p")
	t.Setenv("STORE_DRIVER", "memory")

	c := Load()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, DriverMemory, c.StoreDriver)
	assert.Equal(t, DriverMemory, c.RegistryDriver)
	assert.Equal(t, 3*time.Minute, c.HoldTTL)
	assert.Equal(t, 12*time.Minute, c.PaymentWindow)
	assert.Equal(t, time.Hour, c.RegistryIdleAfter)
	assert.Equal(t, 256, c.PresenceSendBuffer)
	assert.False(t, c.NeedsRedis())
	assert.Empty(t, c.DBHost)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PAYMENT_PROOF_SECRET", "p")
	t.Setenv("STORE_DRIVER", "MySQL")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "seating")
	t.Setenv("REGISTRY_DRIVER", "redis")
	t.Setenv("HOLD_TTL", "45s")
	t.Setenv("NOTIFY_ENABLED", "yes")

	c := Load()
	assert.Equal(t, DriverMySQL, c.StoreDriver)
	assert.Equal(t, "db", c.DBHost)
	assert.True(t, c.DBEnsureSchema)
	assert.Equal(t, 45*time.Second, c.HoldTTL)
	assert.True(t, c.NotifyEnabled)
	assert.True(t, c.NeedsRedis())
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "5")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.Equal(t, time.Second, envDur("X_DUR", time.Second))
	assert.True(t, envBool("X_BOOL", true))
}

func TestRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	rl := LoadRateLimitConfig()
	assert.Equal(t, 1, rl.Capacity)
	assert.Equal(t, 10*time.Second, rl.TTL)
}
