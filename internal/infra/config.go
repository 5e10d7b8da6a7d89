package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	DBMaxConns  int
	JWTSecret   string
	// InternalToken guards /internal routes when set.
	InternalToken  string
	MigrateOnStart bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProviderBaseURL       string
	ProviderAPIKey        string
	ProviderCallbackURL   string
	ProviderSubmitTimeout time.Duration
	ProviderPollTimeout   time.Duration
	ProviderMaxAttempts   int
	ProviderBackoffMax    time.Duration

	WebhookProviders []string
	WebhookSecret    string
	WebhookDedupeTTL time.Duration

	SweepBatchSize   int
	SweepWorkers     int
	SweepInterval    time.Duration
	TimeoutVideo     time.Duration
	TimeoutImage     time.Duration
	TimeoutText      time.Duration
	TimeoutMerge     time.Duration
	MergeResumeAfter time.Duration

	StorageDriver  string
	StoragePath    string
	StorageBaseURL string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         AppEnv(),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		InternalToken:  os.Getenv("INTERNAL_TOKEN"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", false),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ProviderBaseURL:       getEnv("PROVIDER_BASE_URL", "https://api.kie.ai"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderCallbackURL:   os.Getenv("PROVIDER_CALLBACK_URL"),
		ProviderSubmitTimeout: getEnvSeconds("PROVIDER_SUBMIT_TIMEOUT_SECONDS", 30),
		ProviderPollTimeout:   getEnvSeconds("PROVIDER_POLL_TIMEOUT_SECONDS", 15),
		ProviderMaxAttempts:   getEnvInt("PROVIDER_MAX_ATTEMPTS", 5),
		ProviderBackoffMax:    time.Millisecond * time.Duration(getEnvInt("PROVIDER_BACKOFF_MAX_MS", 5000)),

		WebhookProviders: getEnvList("WEBHOOK_PROVIDERS", []string{"kie"}),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WebhookDedupeTTL: getEnvSeconds("WEBHOOK_DEDUPE_TTL_SECONDS", 600),

		SweepBatchSize:   getEnvInt("SWEEP_BATCH_SIZE", 20),
		SweepWorkers:     getEnvInt("SWEEP_WORKERS", 4),
		SweepInterval:    getEnvSeconds("SWEEP_INTERVAL_SECONDS", 120),
		TimeoutVideo:     getEnvSeconds("TIMEOUT_VIDEO_SECONDS", 2400),
		TimeoutImage:     getEnvSeconds("TIMEOUT_IMAGE_SECONDS", 900),
		TimeoutText:      getEnvSeconds("TIMEOUT_TEXT_SECONDS", 600),
		TimeoutMerge:     getEnvSeconds("TIMEOUT_MERGE_SECONDS", 1200),
		MergeResumeAfter: getEnvSeconds("MERGE_RESUME_AFTER_SECONDS", 300),

		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", "file")),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),

		HTTPReadTimeout:  getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout: getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 60),
		HTTPIdleTimeout:  getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.StorageDriver {
	case "file":
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER=s3")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	return cfg, nil
}

// Validate checks the settings only the HTTP service needs.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// WebhookProviderAllowed reports whether name is a configured webhook source.
func (c *Config) WebhookProviderAllowed(name string) bool {
	for _, p := range c.WebhookProviders {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getEnvInt(key, fallback))
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// AppEnv reads APP_ENV on its own so binaries can build a logger before the
// rest of the configuration loads.
func AppEnv() string {
	return getEnv("APP_ENV", "development")
}
