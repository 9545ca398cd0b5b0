package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Env         string
	HTTPAddr    string
	DatabaseURL string
	CatalogJSON string
	Daraja      DarajaConfig
	SMTP        SMTPConfig
	Logging     LoggingConfig
}

type DarajaConfig struct {
	ConsumerKey     string
	ConsumerSecret  string
	BaseURL         string
	TokenURL        string
	Shortcode       string
	Passkey         string
	CallbackBaseURL string
}

// Configured reports whether every setting the STK push path needs is present.
// A partially configured provider fails the initiate operation, not the process.
func (c DarajaConfig) Configured() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Shortcode != "" && c.Passkey != "" && c.CallbackBaseURL != ""
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:         getenv("APP_ENV", "dev"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		CatalogJSON: os.Getenv("CATALOG_JSON"),
		Daraja: DarajaConfig{
			ConsumerKey:     os.Getenv("DARAJA_CONSUMER_KEY"),
			ConsumerSecret:  os.Getenv("DARAJA_CONSUMER_SECRET"),
			BaseURL:         getenv("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			TokenURL:        os.Getenv("DARAJA_TOKEN_URL"),
			Shortcode:       os.Getenv("DARAJA_SHORTCODE"),
			Passkey:         os.Getenv("DARAJA_PASSKEY"),
			CallbackBaseURL: os.Getenv("CALLBACK_BASE_URL"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getenv("SMTP_FROM", os.Getenv("SMTP_USERNAME")),
		},
		Logging: LoggingConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
