package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.DBPath, cfg.DBPath)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 20*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 60*time.Second, cfg.TokenSafetyMargin)
	assert.Equal(t, "@every 1h", cfg.SyncSchedule)
	assert.Equal(t, "https://www.bling.com.br/Api/v3/oauth/token", cfg.TokenURL)
	assert.False(t, cfg.HasOAuth())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeEnv(t, strings.Join([]string{
		"# credentials",
		"BLING_API_KEY=abc123",
		"BLING_CLIENT_ID=cid",
		`BLING_CLIENT_SECRET="s3cr3t"`,
		"BLING_REFRESH_TOKEN=rt",
		"BLING_PAGE_SIZE=50",
		"BLING_HTTP_TIMEOUT=5s",
		"BLING_RATE_LIMIT=2.5",
		"BLING_DB_PATH=data/cache.db",
		"LOG_FORMAT=JSON",
	}, "\n"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.APIKey)
	assert.Equal(t, "cid", cfg.ClientID)
	assert.Equal(t, "s3cr3t", cfg.ClientSecret)
	assert.Equal(t, "rt", cfg.RefreshToken)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.InDelta(t, 2.5, cfg.RateLimit, 0.0001)
	assert.Equal(t, "data/cache.db", cfg.DBPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, path, cfg.EnvFile)
	assert.True(t, cfg.HasOAuth())
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeEnv(t, "BLING_API_KEY=from-file\nBLING_DB_PATH=file.db\n")
	t.Setenv("BLING_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "file.db", cfg.DBPath)
}

func TestLoad_UnitlessDurationsAreSeconds(t *testing.T) {
	path := writeEnv(t, "BLING_HTTP_TIMEOUT=20\nBLING_TOKEN_SAFETY_MARGIN=30\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Second, cfg.TokenSafetyMargin)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
	}{
		{"zero page size", "BLING_PAGE_SIZE=0\n", KeyPageSize},
		{"sub-second timeout", "BLING_HTTP_TIMEOUT=20ms\n", KeyHTTPTimeout},
		{"zero timeout", "BLING_HTTP_TIMEOUT=0\n", KeyHTTPTimeout},
		{"unparsable timeout", "BLING_HTTP_TIMEOUT=soon\n", KeyHTTPTimeout},
		{"unparsable safety margin", "BLING_TOKEN_SAFETY_MARGIN=later\n", KeyTokenSafetyMargin},
		{"negative safety margin", "BLING_TOKEN_SAFETY_MARGIN=-5\n", KeyTokenSafetyMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeEnv(t, tt.content))
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
