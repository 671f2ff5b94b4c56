package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint   string
	MetricsEnabled bool
	TracingEnabled bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Sync         SyncConfig
	Idempotency  IdempotencyConfig
	Notification NotificationConfig
	APNs         APNsConfig
	RateLimit    RateLimitConfig

	DeviceTokenKey string
	InternalToken  string
}

type SyncConfig struct {
	MaxPageSize        int
	DefaultPageSize    int
	EventRetentionDays int
}

type IdempotencyConfig struct {
	TTLHours int
}

type NotificationConfig struct {
	MaxAttempts            int
	LeaseSeconds           int
	RetryBaseSeconds       int
	RetryMaxSeconds        int
	BatchSize              int
	PollIntervalSeconds    int
	DeliveryRetentionDays  int
	DefaultReminderOffsetM int
}

type APNsConfig struct {
	Provider   string
	Endpoint   string
	BundleID   string
	TeamID     string
	KeyID      string
	AuthKey    string
	TimeoutSec int
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SyncRate      float64
	SyncBurst     int64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "syncengine"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled: getenvBool("METRICS_ENABLED", false),
		TracingEnabled: getenvBool("TRACING_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "syncengine"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Sync: SyncConfig{
			MaxPageSize:        getenvInt("MOBILE_SYNC_MAX_PAGE_SIZE", 500),
			DefaultPageSize:    getenvInt("MOBILE_SYNC_DEFAULT_PAGE_SIZE", 100),
			EventRetentionDays: getenvInt("MOBILE_EVENT_RETENTION_DAYS", 30),
		},
		Idempotency: IdempotencyConfig{
			TTLHours: getenvInt("IDEMPOTENCY_TTL_HOURS", 24),
		},
		Notification: NotificationConfig{
			MaxAttempts:            getenvInt("NOTIFICATION_MAX_ATTEMPTS", 5),
			LeaseSeconds:           getenvInt("NOTIFICATION_LEASE_SECONDS", 60),
			RetryBaseSeconds:       getenvInt("NOTIFICATION_RETRY_BASE_SECONDS", 30),
			RetryMaxSeconds:        getenvInt("NOTIFICATION_RETRY_MAX_SECONDS", 1800),
			BatchSize:              getenvInt("NOTIFICATION_BATCH_SIZE", 50),
			PollIntervalSeconds:    getenvInt("NOTIFICATION_POLL_INTERVAL_SECONDS", 15),
			DeliveryRetentionDays:  getenvInt("NOTIFICATION_RETENTION_DAYS", 30),
			DefaultReminderOffsetM: getenvInt("NOTIFICATION_REMINDER_OFFSET_MINUTES", 30),
		},
		APNs: APNsConfig{
			Provider:   strings.ToLower(getenv("APNS_PROVIDER", "mock")),
			Endpoint:   getenv("APNS_ENDPOINT", "https://api.push.apple.com"),
			BundleID:   strings.TrimSpace(getenv("APNS_BUNDLE_ID", "")),
			TeamID:     strings.TrimSpace(getenv("APNS_TEAM_ID", "")),
			KeyID:      strings.TrimSpace(getenv("APNS_KEY_ID", "")),
			AuthKey:    getenv("APNS_AUTH_KEY", ""),
			TimeoutSec: getenvInt("APNS_TIMEOUT_SECONDS", 10),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATELIMIT_ENABLED", false),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
			SyncRate:      getenvFloat("RATELIMIT_SYNC_RATE", 2),
			SyncBurst:     getenvInt64("RATELIMIT_SYNC_BURST", 60),
		},

		DeviceTokenKey: strings.TrimSpace(getenv("DEVICE_TOKEN_KEY", "")),
		InternalToken:  strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
