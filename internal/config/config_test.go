package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")
	t.Setenv("JWT_EXPIRES_IN", "7d")
	t.Setenv("APP_ENV", "local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 10, cfg.RateLimitRPS)
	assert.Equal(t, 7*24*time.Hour, cfg.JWTExpiresIn)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{
		PostgresHost:     "db",
		PostgresPort:     "5432",
		PostgresUser:     "u",
		PostgresPassword: "p",
		PostgresDB:       "chat",
		PostgresSSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=chat sslmode=disable", cfg.PostgresDSN())

	cfg.DatabaseURL = "postgres://x"
	assert.Equal(t, "postgres://x", cfg.PostgresDSN())
}

func TestRabbitMQAddr(t *testing.T) {
	cfg := &Config{RabbitMQUser: "guest", RabbitMQPassword: "guest", RabbitMQHost: "mq", RabbitMQPort: "5672"}
	assert.Equal(t, "amqp://guest:guest@mq:5672/", cfg.RabbitMQAddr())
}

func TestLoadBackingServiceToggles(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("RABBITMQ_ENABLED", "0")
	t.Setenv("CONNECT_RETRIES", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.RedisEnabled)
	assert.False(t, cfg.RabbitMQEnabled)
	assert.Equal(t, 2, cfg.ConnectRetries)
}

func TestLoadBlankValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("JWT_ISSUER", "  ")
	t.Setenv("INSTANCE_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "5000", cfg.ServerPort)
	assert.Equal(t, "lafia-backend", cfg.JWTIssuer)
	assert.NotEmpty(t, cfg.InstanceID)
}
