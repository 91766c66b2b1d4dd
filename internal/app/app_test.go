package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/logen-app/logen/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:            filepath.Join(dir, "logen.db"),
		SiteConfigDir:     filepath.Join(dir, "configs"),
		GeneratedSitesDir: filepath.Join(dir, "generated"),
		SiteIDMaxLength:   30,
		WatchSiteDirs:     true,
		Auth:              config.AuthConfig{TokenSecret: "test", TokenTTL: time.Hour, RefreshWindow: time.Hour},
		Retry:             config.RetryConfig{DatabaseMaxRetries: 3, DatabaseRetryBaseDelay: time.Millisecond},
	}
}

func TestNewWiresAllUniquenessSources(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.SiteConfigDir, "bolt"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.GeneratedSitesDir, "acme"), 0o755))

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	for name, want := range map[string]string{"Acme": "acme-2", "Bolt": "bolt-2"} {
		res, err := a.Resolver.Check(context.Background(), name, "")
		require.NoError(t, err)
		require.True(t, res.IsDuplicate, name)
		require.Equal(t, want, res.Suggestion)
	}
}

func TestWatchSitesStopsCleanly(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.SiteConfigDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.GeneratedSitesDir, 0o755))

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	before := goleak.IgnoreCurrent()

	ctx, cancel := context.WithCancel(context.Background())
	a.WatchSites(ctx)
	cancel()
	require.NoError(t, a.Close())
	goleak.VerifyNone(t, before)
}
