package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Lock backends.
const (
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Video    VideoConfig
	Capacity CapacityConfig
	Locks    LockConfig
	Booking  BookingConfig
	Insights InsightsConfig
	Worker   WorkerConfig
	App      AppConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
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

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	TranscriptsBucket    string
	PresignExpireMinutes int
}

// VideoConfig holds the video provider and its webhook settings.
type VideoConfig struct {
	DailyAPIKey     string
	DailyBaseURL    string
	WebhookSecret   string
	SignatureHeader string
	FallbackHost    string // rooms fall back to https://{host}/{room} when Daily is down
	Timeout         time.Duration
	RoomTTL         time.Duration
	TokenTTL        time.Duration
}

// CapacityConfig holds admission limits.
type CapacityConfig struct {
	MaxSessions      int
	MaxDBConnections int
}

// LockConfig selects and tunes the lock store.
type LockConfig struct {
	Backend         string
	TTL             time.Duration
	CleanupInterval time.Duration
	// ProvisionAttempts of 0 waits out a full provider call; see video.ProvisionerConfig.
	ProvisionAttempts int
	ProvisionBackoff  time.Duration
}

// BookingConfig holds booking bridge settings.
type BookingConfig struct {
	CoinsPerMinute         int
	ConnectRequestTTL      time.Duration
	JoinLinkTTL            time.Duration
	InstantDurationMinutes int
}

// InsightsConfig holds the OpenAI settings for transcription and session insights.
type InsightsConfig struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
}

// Enabled reports whether an API key is configured.
func (c InsightsConfig) Enabled() bool { return c.OpenAIAPIKey != "" }

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int
	Tick        time.Duration
}

// AppConfig holds public URLs used in links and redirects.
type AppConfig struct {
	URL          string // frontend, e.g. https://app.example.com
	PublicAPIURL string // this API as reachable by browsers and webhooks
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

const (
	// DefaultVideoTimeout bounds one video provider API call.
	DefaultVideoTimeout = 10 * time.Second
	// DefaultProvisionBackoff spaces room-creation lock attempts.
	DefaultProvisionBackoff = 250 * time.Millisecond
)

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "coaching"),
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
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			TranscriptsBucket:    getEnv("AWS_S3_TRANSCRIPTS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Video: VideoConfig{
			DailyAPIKey:     getEnv("DAILY_API_KEY", ""),
			DailyBaseURL:    getEnv("DAILY_BASE_URL", "https://api.daily.co/v1"),
			WebhookSecret:   getEnv("VIDEO_WEBHOOK_SECRET", ""),
			SignatureHeader: strings.ToLower(getEnv("VIDEO_SIGNATURE_HEADER", "x-provider-signature")),
			FallbackHost:    getEnv("VIDEO_FALLBACK_HOST", "meet.videosdk.live"),
			Timeout:         getEnvDuration("VIDEO_PROVIDER_TIMEOUT", DefaultVideoTimeout),
			RoomTTL:         getEnvDuration("VIDEO_ROOM_TTL", 24*time.Hour),
			TokenTTL:        getEnvDuration("VIDEO_TOKEN_TTL", 2*time.Hour),
		},
		Capacity: CapacityConfig{
			MaxSessions:      getEnvInt("CAPACITY_MAX_SESSIONS", 500),
			MaxDBConnections: getEnvInt("CAPACITY_MAX_DB_CONNECTIONS", 90),
		},
		Locks: LockConfig{
			Backend:           strings.ToLower(getEnv("LOCK_BACKEND", LockBackendRedis)),
			TTL:               getEnvDuration("LOCK_TTL", 10*time.Minute),
			CleanupInterval:   getEnvDuration("LOCK_CLEANUP_INTERVAL", time.Minute),
			ProvisionAttempts: getEnvInt("LOCK_PROVISION_ATTEMPTS", 0),
			ProvisionBackoff:  getEnvDuration("LOCK_PROVISION_BACKOFF", DefaultProvisionBackoff),
		},
		Booking: BookingConfig{
			CoinsPerMinute:         getEnvInt("BOOKING_COINS_PER_MINUTE", 1),
			ConnectRequestTTL:      getEnvDuration("CONNECT_REQUEST_TTL", 10*time.Minute),
			JoinLinkTTL:            getEnvDuration("JOIN_LINK_TTL", 24*time.Hour),
			InstantDurationMinutes: getEnvInt("INSTANT_SESSION_MINUTES", 30),
		},
		Insights: InsightsConfig{
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
			Tick:        getEnvDuration("WORKER_TICK", 2*time.Second),
		},
		App: AppConfig{
			URL:          strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/"),
			PublicAPIURL: strings.TrimRight(getEnv("PUBLIC_API_URL", "http://localhost:8080"), "/"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Locks.Backend {
	case LockBackendRedis, LockBackendPostgres:
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendRedis, LockBackendPostgres, c.Locks.Backend)
	}
	if c.Capacity.MaxSessions < 0 || c.Capacity.MaxDBConnections < 0 {
		return fmt.Errorf("capacity limits must be non-negative")
	}
	if c.Locks.ProvisionAttempts < 0 || c.Locks.ProvisionBackoff <= 0 {
		return fmt.Errorf("LOCK_PROVISION_ATTEMPTS must be >= 0 and LOCK_PROVISION_BACKOFF positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
