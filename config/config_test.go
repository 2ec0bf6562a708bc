package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GITHUB_ACCESS_TOKEN", "test-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test-token", cfg.GitHub.Token)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIBaseURL)
	assert.Equal(t, 119, cfg.Crawler.MaxIterations)
	assert.Equal(t, 10, cfg.Crawler.PageWindow)
	assert.Equal(t, 61, cfg.Crawler.OrderFlipAt)
	assert.Equal(t, 50, cfg.Crawler.SkipDelayAt)
	assert.Equal(t, 3, cfg.Crawler.FetchAttempts)
	assert.Equal(t, 3, cfg.Registry.SlugRetries)
	assert.Equal(t, "8080", cfg.API.Port)
	assert.Equal(t, 60*time.Second, cfg.CrawlDelay())
	assert.Equal(t, 120*time.Minute, cfg.SeenCacheTTL())
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("GITHUB_ACCESS_TOKEN", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("GITHUB_ACCESS_TOKEN", "test-token")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"crawler": {"max_iterations": 5, "delay_seconds": 1},
		"registry": {"slug_retries": 7},
		"database": {"host": "db.internal", "port": 5433}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Crawler.MaxIterations)
	assert.Equal(t, 1, cfg.Crawler.DelaySeconds)
	assert.Equal(t, 7, cfg.Registry.SlugRetries)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GITHUB_ACCESS_TOKEN", "test-token")
	t.Setenv("POSTGRES_HOST", "pg.internal")
	t.Setenv("POSTGRES_USER", "movereg")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("SLUG_RETRIES", "9")
	t.Setenv("API_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "movereg", cfg.Database.User)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 9, cfg.Registry.SlugRetries)
	assert.Equal(t, "9000", cfg.API.Port)
}

func TestConnectionStrings(t *testing.T) {
	t.Setenv("GITHUB_ACCESS_TOKEN", "test-token")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_PORT", "5432")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "pass")
	t.Setenv("POSTGRES_DB", "movereg")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://user:pass@db:5432/movereg?sslmode=disable", cfg.DatabaseURL())
	assert.Contains(t, cfg.ConnString(), "host=db")
	assert.Contains(t, cfg.ConnString(), "dbname=movereg")
}
