// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Region    string

	// Storage
	DatabaseURL  string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL     string // Redis URL (optional, uses in-memory if not set)
	StoreTimeout time.Duration
	StoreRetries int
	StoreBackoff time.Duration

	// Identity and ledger
	HMACKey            string
	InitialCredits     int64
	BlacklistedDevices []string

	// Delivery
	RetryTimes       int
	RetryDelay       time.Duration
	BroadcastChunks  int
	TransitionTTL    time.Duration
	TransitionWindow time.Duration
	MembershipTTL    time.Duration
	SendTimeout      time.Duration
	SendRate         float64
	SendBurst        int
	Workers          int
	WorkQueue        int

	// Credit policy. Revisions of the relay disagreed on both, so they are flags.
	ChargeBroadcast            bool
	ChargeDuplicateConnections bool

	// License oracle
	VendorName     string
	VendorPassword string
	LicenseURL     string
	LicenseTimeout time.Duration

	// Instance activation
	ActiveNotifyInterval int64 // minutes

	// Admin notifications
	AdminSecret         string
	AdminChannel        string
	TelegramToken       string
	TelegramAdminChatID int64

	// Payments
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
	RateLimitRPM     int

	// Version is stamped by the binary, not read from the environment.
	Version string

	// Browser clients. Empty allows any origin.
	CORSOrigins []string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRegion           = "us-east-1"
	DefaultInitialCredits   = 100
	DefaultRetryTimes       = 3
	DefaultRetryDelay       = 250 * time.Millisecond
	DefaultBroadcastChunks  = 50
	DefaultTransitionTTL    = 2 * time.Minute
	DefaultTransitionWindow = 5 * time.Second
	DefaultMembershipTTL    = 2 * time.Minute
	DefaultStoreTimeout     = 500 * time.Millisecond
	DefaultStoreRetries     = 5
	DefaultStoreBackoff     = 30 * time.Millisecond
	DefaultSendTimeout      = 500 * time.Millisecond
	DefaultSendRate         = 20
	DefaultSendBurst        = 40
	DefaultWorkers          = 8
	DefaultWorkQueue        = 256
	DefaultLicenseURL       = "http://license.ninjatrader.com/tools/NtVendorLicense.php"
	DefaultLicenseTimeout   = 500 * time.Millisecond
	DefaultActiveInterval   = 5
	DefaultAdminChannel     = "replikanto:admin"
	DefaultRateLimit        = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  getEnv("LOG_FORMAT", DefaultLogFormat),
		Region:                     getEnv("REGION", DefaultRegion),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		StoreTimeout:               getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		StoreRetries:               int(getEnvInt64("STORE_RETRIES", DefaultStoreRetries)),
		StoreBackoff:               getEnvDuration("STORE_RETRY_BASE", DefaultStoreBackoff),
		HMACKey:                    os.Getenv("HMAC_KEY"),
		InitialCredits:             getEnvInt64("INITIAL_CREDITS", DefaultInitialCredits),
		BlacklistedDevices:         getEnvList("MACHINE_IDS_BLACKLIST"),
		CORSOrigins:                getEnvList("CORS_ORIGINS"),
		RetryTimes:                 int(getEnvInt64("RETRY_TIMES", DefaultRetryTimes)),
		RetryDelay:                 getEnvDuration("RETRY_DELAY", DefaultRetryDelay),
		BroadcastChunks:            int(getEnvInt64("BROADCAST_CHUNKS", DefaultBroadcastChunks)),
		TransitionTTL:              getEnvDuration("TRANSITION_TTL", DefaultTransitionTTL),
		TransitionWindow:           getEnvDuration("TRANSITION_WINDOW", DefaultTransitionWindow),
		MembershipTTL:              getEnvDuration("MEMBERSHIP_CACHE_TTL", DefaultMembershipTTL),
		SendTimeout:                getEnvDuration("SEND_TIMEOUT", DefaultSendTimeout),
		SendRate:                   float64(getEnvInt64("SEND_RATE", DefaultSendRate)),
		SendBurst:                  int(getEnvInt64("SEND_BURST", DefaultSendBurst)),
		Workers:                    int(getEnvInt64("WORKERS", DefaultWorkers)),
		WorkQueue:                  int(getEnvInt64("WORK_QUEUE", DefaultWorkQueue)),
		ChargeBroadcast:            getEnvBool("CHARGE_BROADCAST", true),
		ChargeDuplicateConnections: getEnvBool("CHARGE_DUPLICATE_CONNECTIONS", true),
		VendorName:                 os.Getenv("VENDOR_NAME"),
		VendorPassword:             os.Getenv("VENDOR_PASSWORD"),
		LicenseURL:                 getEnv("LICENSE_URL", DefaultLicenseURL),
		LicenseTimeout:             getEnvDuration("LICENSE_TIMEOUT", DefaultLicenseTimeout),
		ActiveNotifyInterval:       getEnvInt64("ACTIVE_NOTIFY_INTERVAL", DefaultActiveInterval),
		AdminSecret:                os.Getenv("ADMIN_SECRET"),
		AdminChannel:               getEnv("ADMIN_CHANNEL", DefaultAdminChannel),
		TelegramToken:              os.Getenv("TELEGRAM_TOKEN"),
		TelegramAdminChatID:        getEnvInt64("TELEGRAM_ADMIN_CHAT_ID", 0),
		StripeWebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:           getEnvFloat("TRACE_SAMPLE_RATIO", 0),
		RateLimitRPM:               int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.HMACKey == "" {
		return fmt.Errorf("HMAC_KEY is required in production")
	}
	if c.BroadcastChunks <= 0 {
		return fmt.Errorf("BROADCAST_CHUNKS must be positive")
	}
	if c.RetryTimes < 0 {
		return fmt.Errorf("RETRY_TIMES must not be negative")
	}
	if c.TransitionTTL <= 0 || c.MembershipTTL <= 0 {
		return fmt.Errorf("TRANSITION_TTL and MEMBERSHIP_CACHE_TTL must be positive")
	}
	if c.TransitionWindow > c.TransitionTTL {
		return fmt.Errorf("TRANSITION_WINDOW must not exceed TRANSITION_TTL")
	}
	if c.Workers <= 0 || c.WorkQueue <= 0 {
		return fmt.Errorf("WORKERS and WORK_QUEUE must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.ActiveNotifyInterval <= 0 {
		return fmt.Errorf("ACTIVE_NOTIFY_INTERVAL must be positive")
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

// IsBlacklisted reports whether a device identifier is refused service.
func (c *Config) IsBlacklisted(deviceID string) bool {
	for _, id := range c.BlacklistedDevices {
		if id == deviceID {
			return true
		}
	}
	return false
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("250ms") or bare milliseconds ("250").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
