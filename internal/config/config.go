package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIURL              string        `mapstructure:"API_URL"`
	AppTitle            string        `mapstructure:"APP_TITLE"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CredentialStore     string        `mapstructure:"CREDENTIAL_STORE"`
	CredentialPath      string        `mapstructure:"CREDENTIAL_PATH"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string        `mapstructure:"REDIS_KEY_PREFIX"`
	RefreshAnticipation time.Duration `mapstructure:"REFRESH_ANTICIPATION"`
	CatalogDebounce     time.Duration `mapstructure:"CATALOG_DEBOUNCE"`
	TestsDebounce       time.Duration `mapstructure:"TESTS_DEBOUNCE"`
	HistoryTTL          time.Duration `mapstructure:"HISTORY_TTL"`
	PageSize            int           `mapstructure:"PAGE_SIZE"`
	DevServerAddr       string        `mapstructure:"DEVSERVER_ADDR"`
	DevServerSigningKey string        `mapstructure:"DEVSERVER_SIGNING_KEY"`
}

const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

var keys = []string{
	"API_URL",
	"APP_TITLE",
	"ENV",
	"LOG_LEVEL",
	"REQUEST_TIMEOUT",
	"CREDENTIAL_STORE",
	"CREDENTIAL_PATH",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"REFRESH_ANTICIPATION",
	"CATALOG_DEBOUNCE",
	"TESTS_DEBOUNCE",
	"HISTORY_TTL",
	"PAGE_SIZE",
	"DEVSERVER_ADDR",
	"DEVSERVER_SIGNING_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("API_URL", "http://localhost:5000")
	v.SetDefault("APP_TITLE", "Diagnóstico Médico")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CREDENTIAL_STORE", StoreFile)
	v.SetDefault("CREDENTIAL_PATH", defaultCredentialPath())
	v.SetDefault("REDIS_KEY_PREFIX", "medidiag:")
	v.SetDefault("REFRESH_ANTICIPATION", "10m")
	v.SetDefault("CATALOG_DEBOUNCE", "1s")
	v.SetDefault("TESTS_DEBOUNCE", "500ms")
	v.SetDefault("HISTORY_TTL", "5m")
	v.SetDefault("PAGE_SIZE", 10)
	v.SetDefault("DEVSERVER_ADDR", ":5000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	cfg.CredentialStore = strings.ToLower(strings.TrimSpace(cfg.CredentialStore))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultCredentialPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "medidiag", "credentials.json")
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_URL scheme must be http or https, got %q", u.Scheme)
	}

	durations := map[string]time.Duration{
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"REFRESH_ANTICIPATION": c.RefreshAnticipation,
		"CATALOG_DEBOUNCE":     c.CatalogDebounce,
		"TESTS_DEBOUNCE":       c.TestsDebounce,
		"HISTORY_TTL":          c.HistoryTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %s", name, d)
		}
	}

	switch c.CredentialStore {
	case StoreFile:
		if c.CredentialPath == "" {
			return fmt.Errorf("CREDENTIAL_PATH is required when CREDENTIAL_STORE is %q", StoreFile)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CREDENTIAL_STORE is %q", StoreRedis)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("CREDENTIAL_STORE must be %q, %q, or %q, got %q",
			StoreFile, StoreRedis, StoreMemory, c.CredentialStore)
	}
	return nil
}
