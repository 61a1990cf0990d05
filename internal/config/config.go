// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// BaseURI roots the absolute resource URIs in API responses,
	// e.g. "https://ledger.example" -> ".../transfers/<id>".
	BaseURI string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// TLS. Cert+Key enable HTTPS; ClientCA enables certificate
	// authentication, with revocation checked against the CRL when set.
	// Client certificates are requested, never required, at the TLS layer.
	TLSCertFile     string
	TLSKeyFile      string
	TLSClientCAFile string
	TLSCRLFile      string

	// Admin bootstrap. The account is provisioned at startup if missing.
	AdminUser     string
	AdminPassword string

	// Notification delivery
	NotifyWorkers     int
	NotifyMaxAttempts int
	NotifyTimeout     time.Duration
	NotifyBackoffCap  time.Duration

	// ExpiryRescan bounds how stale the expiry heap can go if an update
	// signal is ever dropped; the monitor rescans the store at this interval.
	ExpiryRescan time.Duration

	// Security
	RateLimitRPS int

	// Tracing (disabled when empty)
	OTLPEndpoint string
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultAdminUser    = "admin"
	DefaultRateLimit    = 100
	DefaultWorkers      = 1
	DefaultMaxAttempts  = 10
	DefaultNotifyWait   = 10 * time.Second
	DefaultBackoffCap   = 60 * time.Second
	DefaultExpiryRescan = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	port := getEnv("PORT", DefaultPort)
	cfg := &Config{
		Port:              port,
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		BaseURI:           getEnv("BASE_URI", "http://localhost:"+port),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
		TLSClientCAFile:   os.Getenv("TLS_CLIENT_CA_FILE"),
		TLSCRLFile:        os.Getenv("TLS_CRL_FILE"),
		AdminUser:         getEnv("ADMIN_USER", DefaultAdminUser),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		NotifyWorkers:     int(getEnvInt64("NOTIFY_WORKERS", DefaultWorkers)),
		NotifyMaxAttempts: int(getEnvInt64("NOTIFY_MAX_ATTEMPTS", DefaultMaxAttempts)),
		NotifyTimeout:     getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyWait),
		NotifyBackoffCap:  getEnvDuration("NOTIFY_BACKOFF_CAP", DefaultBackoffCap),
		ExpiryRescan:      getEnvDuration("EXPIRY_RESCAN", DefaultExpiryRescan),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, err := url.Parse(c.BaseURI); err != nil || c.BaseURI == "" {
		return fmt.Errorf("BASE_URI must be a valid URI")
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.TLSClientCAFile != "" && c.TLSCertFile == "" {
		return fmt.Errorf("TLS_CLIENT_CA_FILE requires TLS_CERT_FILE and TLS_KEY_FILE")
	}

	if c.AdminUser == "" {
		return fmt.Errorf("ADMIN_USER must not be empty")
	}
	if c.IsProduction() && c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required in production")
	}

	if c.NotifyWorkers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be at least 1")
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TLSEnabled reports whether the server should listen with TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
