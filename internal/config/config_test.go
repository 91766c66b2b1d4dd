package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTH_TOKEN_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30, cfg.SiteIDMaxLength)
	require.Equal(t, devTokenSecret, cfg.Auth.TokenSecret)
	require.Equal(t, 30*time.Minute, cfg.Queue.ClaimTimeout)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("FRONTEND_URL", "https://app.logen.io/")
	t.Setenv("AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("QUEUE_CLAIM_TIMEOUT", "0s")
	t.Setenv("SITE_ID_MAX_LENGTH", "40")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WATCH_SITE_DIRS", "off")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), cfg.Queue.ClaimTimeout)
	require.Equal(t, 40, cfg.SiteIDMaxLength)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.False(t, cfg.WatchSiteDirs)
	require.False(t, cfg.IsDevelopment())
	require.Equal(t, []string{"https://app.logen.io"}, cfg.AllowedOrigins())
}

func TestLoadRequiresSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_TOKEN_SECRET", "")

	_, err := Load()
	require.ErrorContains(t, err, "AUTH_TOKEN_SECRET")
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_MAX_RETRIES", "many")
	t.Setenv("AUTH_TOKEN_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Retry.DatabaseMaxRetries)
	require.Equal(t, time.Hour, cfg.Auth.TokenTTL)
}
