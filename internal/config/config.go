// Package config loads ledgersync settings from a .env-style file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keys. The same names are used in the env file and the environment.
const (
	KeyAPIKey            = "BLING_API_KEY"
	KeyAccessToken       = "BLING_ACCESS_TOKEN"
	KeyRefreshToken      = "BLING_REFRESH_TOKEN"
	KeyClientID          = "BLING_CLIENT_ID"
	KeyClientSecret      = "BLING_CLIENT_SECRET"
	KeyRedirectURI       = "BLING_REDIRECT_URI"
	KeyDBPath            = "BLING_DB_PATH"
	KeyAPIBaseURL        = "BLING_API_BASE_URL"
	KeyLegacyBaseURL     = "BLING_LEGACY_BASE_URL"
	KeyTokenURL          = "BLING_TOKEN_URL"
	KeyAuthURL           = "BLING_AUTH_URL"
	KeyProtocol          = "BLING_PROTOCOL"
	KeyPageSize          = "BLING_PAGE_SIZE"
	KeyHTTPTimeout       = "BLING_HTTP_TIMEOUT"
	KeyTokenSafetyMargin = "BLING_TOKEN_SAFETY_MARGIN"
	KeyRateLimit         = "BLING_RATE_LIMIT"
	KeySyncSchedule      = "SYNC_SCHEDULE"
	KeyLogFormat         = "LOG_FORMAT"
	KeyLogLevel          = "LOG_LEVEL"
	KeyLogFile           = "LOG_FILE"
	KeyDashboardAddr     = "DASHBOARD_ADDR"
)

// DefaultEnvFile is read when no --env-file is given.
const DefaultEnvFile = ".env"

// Config is the fully resolved configuration.
type Config struct {
	// Credentials
	APIKey       string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Endpoints
	APIBaseURL    string
	LegacyBaseURL string
	TokenURL      string
	AuthURL       string

	// Client behaviour
	Protocol          string
	PageSize          int
	HTTPTimeout       time.Duration
	TokenSafetyMargin time.Duration
	RateLimit         float64

	DBPath        string
	SyncSchedule  string
	DashboardAddr string

	LogFormat string
	LogLevel  string
	LogFile   string

	// EnvFile is the file the values were read from.
	EnvFile string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RedirectURI:       "http://localhost:8000/callback",
		APIBaseURL:        "https://www.bling.com.br/Api/v3",
		LegacyBaseURL:     "https://bling.com.br/Api/v2",
		TokenURL:          "https://www.bling.com.br/Api/v3/oauth/token",
		AuthURL:           "https://www.bling.com.br/Api/v3/oauth/authorize",
		Protocol:          "auto",
		PageSize:          100,
		HTTPTimeout:       20 * time.Second,
		TokenSafetyMargin: 60 * time.Second,
		DBPath:            "bling.db",
		SyncSchedule:      "@every 1h",
		LogFormat:         "text",
		LogLevel:          "info",
	}
}

// Load reads envFile (a missing file is not an error) and lets environment
// variables override its values.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault(KeyRedirectURI, def.RedirectURI)
	v.SetDefault(KeyAPIBaseURL, def.APIBaseURL)
	v.SetDefault(KeyLegacyBaseURL, def.LegacyBaseURL)
	v.SetDefault(KeyTokenURL, def.TokenURL)
	v.SetDefault(KeyAuthURL, def.AuthURL)
	v.SetDefault(KeyProtocol, def.Protocol)
	v.SetDefault(KeyPageSize, def.PageSize)
	v.SetDefault(KeyHTTPTimeout, def.HTTPTimeout.String())
	v.SetDefault(KeyTokenSafetyMargin, def.TokenSafetyMargin.String())
	v.SetDefault(KeyRateLimit, 0)
	v.SetDefault(KeyDBPath, def.DBPath)
	v.SetDefault(KeySyncSchedule, def.SyncSchedule)
	v.SetDefault(KeyLogFormat, def.LogFormat)
	v.SetDefault(KeyLogLevel, def.LogLevel)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	httpTimeout, err := seconds(v, KeyHTTPTimeout)
	if err != nil {
		return nil, err
	}
	safetyMargin, err := seconds(v, KeyTokenSafetyMargin)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIKey:            strings.TrimSpace(v.GetString(KeyAPIKey)),
		AccessToken:       strings.TrimSpace(v.GetString(KeyAccessToken)),
		RefreshToken:      strings.TrimSpace(v.GetString(KeyRefreshToken)),
		ClientID:          strings.TrimSpace(v.GetString(KeyClientID)),
		ClientSecret:      strings.TrimSpace(v.GetString(KeyClientSecret)),
		RedirectURI:       v.GetString(KeyRedirectURI),
		APIBaseURL:        v.GetString(KeyAPIBaseURL),
		LegacyBaseURL:     v.GetString(KeyLegacyBaseURL),
		TokenURL:          v.GetString(KeyTokenURL),
		AuthURL:           v.GetString(KeyAuthURL),
		Protocol:          v.GetString(KeyProtocol),
		PageSize:          v.GetInt(KeyPageSize),
		HTTPTimeout:       httpTimeout,
		TokenSafetyMargin: safetyMargin,
		RateLimit:         v.GetFloat64(KeyRateLimit),
		DBPath:            v.GetString(KeyDBPath),
		SyncSchedule:      v.GetString(KeySyncSchedule),
		DashboardAddr:     v.GetString(KeyDashboardAddr),
		LogFormat:         strings.ToLower(v.GetString(KeyLogFormat)),
		LogLevel:          strings.ToLower(v.GetString(KeyLogLevel)),
		LogFile:           v.GetString(KeyLogFile),
		EnvFile:           envFile,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seconds reads a duration setting. A bare number counts as seconds, so
// "20" and "20s" mean the same.
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	s := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use e.g. \"20s\", or a number of seconds)", key, s)
	}
	return d, nil
}

// Validate checks values that would otherwise fail deep inside a sync.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyPageSize, c.PageSize)
	}
	if c.HTTPTimeout < time.Second {
		return fmt.Errorf("%s must be at least 1s, got %s", KeyHTTPTimeout, c.HTTPTimeout)
	}
	if c.TokenSafetyMargin < 0 {
		return fmt.Errorf("%s must not be negative, got %s", KeyTokenSafetyMargin, c.TokenSafetyMargin)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative, got %v", KeyRateLimit, c.RateLimit)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%s must not be empty", KeyDBPath)
	}
	return nil
}

// HasOAuth reports whether bearer credentials are configured.
func (c *Config) HasOAuth() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}
