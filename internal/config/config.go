package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	CatalogDatabaseURL string

	ADRBaseURL           string
	ADRTimeout           int // seconds
	ADRClientID          string
	ADRClientSecret      string
	ADRTokenURL          string
	ADRSourceApplication string
	ADRRecipientEmail    string

	PollInterval    int // seconds
	SweepInterval   int // seconds
	ShutdownTimeout int // seconds

	GmailClientID     string
	GmailClientSecret string
	GmailRefreshToken string
	NotifyEmail       string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	baseURL := os.Getenv("ADR_API_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("ADR_API_BASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:          dbURL,
		CatalogDatabaseURL:   os.Getenv("CATALOG_DATABASE_URL"),
		ADRBaseURL:           baseURL,
		ADRClientID:          os.Getenv("ADR_CLIENT_ID"),
		ADRClientSecret:      os.Getenv("ADR_CLIENT_SECRET"),
		ADRTokenURL:          os.Getenv("ADR_TOKEN_URL"),
		ADRSourceApplication: envOr("ADR_SOURCE_APPLICATION", "adr-worker"),
		ADRRecipientEmail:    os.Getenv("ADR_RECIPIENT_EMAIL"),
		GmailClientID:        os.Getenv("GMAIL_CLIENT_ID"),
		GmailClientSecret:    os.Getenv("GMAIL_CLIENT_SECRET"),
		GmailRefreshToken:    os.Getenv("GMAIL_REFRESH_TOKEN"),
		NotifyEmail:          os.Getenv("NOTIFY_EMAIL"),
	}

	var err error
	if cfg.ADRTimeout, err = envInt("ADR_API_TIMEOUT_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envInt("POLL_INTERVAL_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envInt("SWEEP_INTERVAL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envInt("SHUTDOWN_TIMEOUT_SECONDS", 30); err != nil {
		return nil, err
	}

	if cfg.CatalogDatabaseURL == "" {
		log.Println("Warning: CATALOG_DATABASE_URL not set, account sync will read from DATABASE_URL")
		cfg.CatalogDatabaseURL = dbURL
	}
	if !cfg.NotificationsEnabled() {
		log.Println("Warning: Gmail credentials or NOTIFY_EMAIL not set, NeedsReview notifications are disabled")
	}

	return cfg, nil
}

// NotificationsEnabled reports whether the Gmail notifier has everything it needs.
func (c *Config) NotificationsEnabled() bool {
	return c.GmailClientID != "" && c.GmailClientSecret != "" && c.GmailRefreshToken != "" && c.NotifyEmail != ""
}

func (c *Config) ADRTimeoutDuration() time.Duration {
	return time.Duration(c.ADRTimeout) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
