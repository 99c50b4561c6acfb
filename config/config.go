package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"

	// Google exposes CalDAV behind the same OAuth credentials
	DefaultCalDAVURL = "https://apidata.googleusercontent.com/caldav/v2/"

	DefaultCalendarScope = "https://www.googleapis.com/auth/calendar"
)

// ProviderConfig describes the remote calendar provider and its OAuth client.
// It is passed explicitly to the gateway and refresher constructors.
type ProviderConfig struct {
	Kind         string   `yaml:"kind"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	APIEndpoint  string   `yaml:"api_endpoint"` // Google API override, empty = library default
	CalDAVURL    string   `yaml:"caldav_url"`
	RateLimit    float64  `yaml:"rate_limit"` // requests per second
	RateBurst    int      `yaml:"rate_burst"`
}

type Config struct {
	DatabasePath   string         `yaml:"database_path"`
	TimezoneName   string         `yaml:"timezone"`
	Timezone       *time.Location `yaml:"-"`
	EncryptionKey  string         `yaml:"encryption_key"`
	Provider       ProviderConfig `yaml:"provider"`
	SyncCron       string         `yaml:"sync_cron"`
	SyncPastDays   int            `yaml:"sync_past_days"`
	SyncFutureDays int            `yaml:"sync_future_days"`
	ServerPort     string         `yaml:"server_port"`
	APIUsername    string         `yaml:"api_username"`
	APIPassword    string         `yaml:"api_password"`
	TelegramToken  string         `yaml:"telegram_token"`
	TelegramChatID int64          `yaml:"telegram_chat_id"`
	LogLevel       string         `yaml:"log_level"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() *Config {
	return &Config{
		DatabasePath: "./data/calsync.db",
		TimezoneName: "Europe/Berlin",
		Provider: ProviderConfig{
			Kind:      ProviderGoogle,
			AuthURL:   google.Endpoint.AuthURL,
			TokenURL:  google.Endpoint.TokenURL,
			Scopes:    []string{DefaultCalendarScope},
			CalDAVURL: DefaultCalDAVURL,
			RateLimit: 10,
			RateBurst: 5,
		},
		SyncCron:       "@every 15m",
		SyncPastDays:   30,
		SyncFutureDays: 180,
		ServerPort:     "8080",
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CALSYNC_CONFIG, and finally the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CALSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.TimezoneName = getEnv("TIMEZONE", c.TimezoneName)
	c.EncryptionKey = getEnv("ENCRYPTION_KEY", c.EncryptionKey)

	c.Provider.Kind = getEnv("PROVIDER", c.Provider.Kind)
	c.Provider.ClientID = getEnv("OAUTH_CLIENT_ID", c.Provider.ClientID)
	c.Provider.ClientSecret = getEnv("OAUTH_CLIENT_SECRET", c.Provider.ClientSecret)
	c.Provider.AuthURL = getEnv("OAUTH_AUTH_URL", c.Provider.AuthURL)
	c.Provider.TokenURL = getEnv("OAUTH_TOKEN_URL", c.Provider.TokenURL)
	c.Provider.APIEndpoint = getEnv("CALENDAR_API_URL", c.Provider.APIEndpoint)
	c.Provider.CalDAVURL = getEnv("CALDAV_URL", c.Provider.CalDAVURL)
	c.Provider.RateLimit = getEnvFloat("PROVIDER_RATE_LIMIT", c.Provider.RateLimit)
	c.Provider.RateBurst = getEnvInt("PROVIDER_RATE_BURST", c.Provider.RateBurst)
	if scopes := os.Getenv("OAUTH_SCOPES"); scopes != "" {
		c.Provider.Scopes = strings.Split(scopes, ",")
	}

	c.SyncCron = getEnv("SYNC_CRON", c.SyncCron)
	c.SyncPastDays = getEnvInt("SYNC_PAST_DAYS", c.SyncPastDays)
	c.SyncFutureDays = getEnvInt("SYNC_FUTURE_DAYS", c.SyncFutureDays)

	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.APIUsername = getEnv("API_USERNAME", c.APIUsername)
	c.APIPassword = getEnv("API_PASSWORD", c.APIPassword)

	c.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramToken)
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TelegramChatID = id
		}
	}

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}

	switch c.Provider.Kind {
	case ProviderGoogle, ProviderCalDAV:
	default:
		return fmt.Errorf("invalid PROVIDER %q: must be %s or %s", c.Provider.Kind, ProviderGoogle, ProviderCalDAV)
	}

	if c.Provider.ClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}
	if c.Provider.TokenURL == "" {
		return fmt.Errorf("OAUTH_TOKEN_URL is required")
	}

	tz, err := time.LoadLocation(c.TimezoneName)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	c.Timezone = tz

	if c.SyncPastDays < 0 || c.SyncFutureDays <= 0 {
		return fmt.Errorf("invalid sync window: past=%d future=%d", c.SyncPastDays, c.SyncFutureDays)
	}
	return nil
}

// APIEnabled reports whether the HTTP API has credentials configured.
func (c *Config) APIEnabled() bool {
	return c.APIUsername != "" && c.APIPassword != ""
}

// NotifierEnabled reports whether Telegram notifications are configured.
func (c *Config) NotifierEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// SlogLevel maps LogLevel onto slog levels; unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
