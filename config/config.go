package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Stripe   StripeConfig
	Retry    RetryConfig
	Realtime RealtimeConfig
	Queue    QueueConfig
}

// StripeConfig for card payments.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	TimeoutSeconds int // bound on a single provider call; a timeout counts as a failed attempt
}

// Enabled reports whether a provider integration can be built.
func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

// Timeout returns the provider call timeout.
func (c StripeConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryConfig holds payment retry scheduling settings.
type RetryConfig struct {
	Enabled         bool
	IntervalSeconds int // sweep interval
	MaxRetries      int // default max retries for new payments
	BaseDelaySec    int // delay for the first retry; doubles per attempt
	Concurrency     int // payments attempted in parallel within one sweep
}

// Interval returns the sweep interval.
func (c RetryConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// BaseDelay returns the first backoff step.
func (c RetryConfig) BaseDelay() time.Duration {
	if c.BaseDelaySec <= 0 {
		return time.Minute
	}
	return time.Duration(c.BaseDelaySec) * time.Second
}

// RealtimeConfig holds WebSocket relay and WebRTC settings.
type RealtimeConfig struct {
	ICEUrls         []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	EventsPerSecond int      // inbound events allowed per connection
	EventBurst      int
	RedisFanout     bool // relay through Redis pub/sub so every instance sees every group
}

// QueueConfig controls the Redis-backed payment outcome queue.
type QueueConfig struct {
	OutcomesEnabled bool
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:8081)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/tutorlink?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8081,http://localhost:19006"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tutorlink"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Stripe: StripeConfig{
			SecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
			TimeoutSeconds: getEnvInt("STRIPE_TIMEOUT_SEC", 15),
		},
		Retry: RetryConfig{
			Enabled:         getEnvBool("RETRY_SCHEDULER_ENABLED", true),
			IntervalSeconds: getEnvInt("RETRY_INTERVAL_SEC", 60),
			MaxRetries:      getEnvInt("RETRY_MAX_RETRIES", 5),
			BaseDelaySec:    getEnvInt("RETRY_BASE_DELAY_SEC", 60),
			Concurrency:     getEnvInt("RETRY_CONCURRENCY", 4),
		},
		Realtime: RealtimeConfig{
			ICEUrls:         splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			EventsPerSecond: getEnvInt("WS_EVENTS_PER_SEC", 50),
			EventBurst:      getEnvInt("WS_EVENT_BURST", 100),
			RedisFanout:     getEnvBool("REDIS_FANOUT_ENABLED", true),
		},
		Queue: QueueConfig{
			OutcomesEnabled: getEnvBool("OUTCOME_QUEUE_ENABLED", false),
		},
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("RETRY_MAX_RETRIES must be >= 0, got %d", cfg.Retry.MaxRetries)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
