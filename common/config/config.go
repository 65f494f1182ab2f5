package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"
)

// DefaultSizes is the built-in named scale registry. SCALE_SIZES_PATCH is
// applied on top of it as an RFC 7386 merge patch.
const DefaultSizes = `{
	"large":   {"width": 768, "height": 768},
	"preview": {"width": 400, "height": 400},
	"mini":    {"width": 200, "height": 200},
	"thumb":   {"width": 128, "height": 128},
	"tile":    {"width": 64,  "height": 64},
	"icon":    {"width": 32,  "height": 32},
	"listing": {"width": 16,  "height": 16}
}`

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Scaling   ScalingConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Sentry    SentryConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string `validate:"required"`
	Port        int    `validate:"min=1,max=65535"`
	Environment string
	LogLevel    string `validate:"oneof=debug info warn error"`
	LogFormat   string `validate:"oneof=text json"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Enabled     bool
	Host        string `validate:"required_if=Enabled true"`
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int `validate:"min=1"`
	MinConns    int `validate:"min=0"`
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	// AutoMigrate applies the embedded schema when the pool is opened
	AutoMigrate bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig selects where originals and uploads are kept
type StorageConfig struct {
	Backend string `validate:"oneof=memory file s3"`
	Dir     string `validate:"required_if=Backend file"`
	S3      S3Config
}

// S3Config holds settings for any S3-compatible bucket (AWS, R2, MinIO)
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Size is a named scale's bounding box
type Size struct {
	Width  int `json:"width" validate:"min=0"`
	Height int `json:"height" validate:"min=0"`
}

// Density is a HiDPI multiplier and the encoder quality used for it
type Density struct {
	Scale   float64
	Quality int
}

// ScalingConfig holds codec and scale-registry settings
type ScalingConfig struct {
	Sizes          map[string]Size `validate:"dive"`
	DefaultQuality int             `validate:"min=1,max=100"`
	Densities      []Density
	AutoOrient     bool
	SniffLimit     int `validate:"min=64"`
	// DeferExpr is a CEL expression; when it evaluates true a named scale
	// is placed as a placeholder and derived in the background.
	DeferExpr string
}

// QueueConfig holds derivation queue settings
type QueueConfig struct {
	Enabled bool
	// Workers is the process pool size; 0 sizes it from the host
	Workers      int    `validate:"min=0"`
	WorkerBinary string `validate:"required_if=Enabled true"`
	MaxRetry     int    `validate:"min=0"`
	PollStep     time.Duration
	PollMax      time.Duration
	Capacity     int `validate:"min=1"`
	ClaimTTL     time.Duration
}

// RateLimitConfig limits synchronous renders per client
type RateLimitConfig struct {
	Enabled       bool
	RenderLimit   int64 `validate:"min=1"`
	WindowSeconds int   `validate:"min=1"`
}

// SentryConfig holds error reporting settings
type SentryConfig struct {
	DSN        string
	SampleRate float64 `validate:"min=0,max=1"`
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	sizes, err := LoadSizes(getEnv("SCALE_SIZES_PATCH", ""))
	if err != nil {
		return nil, err
	}
	densities, err := parseDensities(getEnv("SCALE_DENSITIES", "2:62,3:51"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("POSTGRES_ENABLED", true),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "imagescale"),
			User:        getEnv("POSTGRES_USER", "imagescale"),
			Password:    getEnv("POSTGRES_PASSWORD", "imagescale"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			AutoMigrate: getEnvBool("POSTGRES_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "file"),
			Dir:     getEnv("STORAGE_DIR", "./data/blobs"),
			S3: S3Config{
				Bucket:          getEnv("S3_BUCKET", ""),
				Region:          getEnv("S3_REGION", "auto"),
				Endpoint:        getEnv("S3_ENDPOINT", ""),
				AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
				UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE", true),
			},
		},
		Scaling: ScalingConfig{
			Sizes:          sizes,
			DefaultQuality: getEnvInt("SCALE_DEFAULT_QUALITY", 88),
			Densities:      densities,
			AutoOrient:     getEnvBool("SCALE_AUTO_ORIENT", true),
			SniffLimit:     getEnvInt("SNIFF_LIMIT_BYTES", 64*1024),
			DeferExpr:      getEnv("SCALE_DEFER_EXPR", "width * height > 1000000"),
		},
		Queue: QueueConfig{
			Enabled:      getEnvBool("DERIVATION_QUEUE_ENABLED", true),
			Workers:      getEnvInt("DERIVATION_WORKERS", 0),
			WorkerBinary: getEnv("DERIVATION_WORKER_BINARY", "scale-worker"),
			MaxRetry:     getEnvInt("DERIVATION_MAX_RETRY", 10),
			PollStep:     getEnvDuration("DERIVATION_POLL_STEP", 100*time.Millisecond),
			PollMax:      getEnvDuration("DERIVATION_POLL_MAX", 1*time.Second),
			Capacity:     getEnvInt("DERIVATION_QUEUE_CAPACITY", 10000),
			ClaimTTL:     getEnvDuration("DERIVATION_CLAIM_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RENDER_RATE_LIMIT_ENABLED", true),
			RenderLimit:   int64(getEnvInt("RENDER_RATE_LIMIT", 60)),
			WindowSeconds: getEnvInt("RENDER_RATE_WINDOW_SECONDS", 60),
		},
		Sentry: SentryConfig{
			DSN:        getEnv("SENTRY_DSN", ""),
			SampleRate: getEnvFloat("SENTRY_SAMPLE_RATE", 1.0),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Database.Enabled && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3 storage requires S3_BUCKET")
	}

	if c.Queue.PollStep <= 0 || c.Queue.PollMax < c.Queue.PollStep {
		return fmt.Errorf("derivation poll interval must satisfy 0 < step <= max")
	}

	for name, size := range c.Scaling.Sizes {
		if size.Width == 0 && size.Height == 0 {
			return fmt.Errorf("scale %q has neither width nor height", name)
		}
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// LoadSizes merges patch into DefaultSizes. A null value in the patch
// removes a size; an empty patch returns the defaults.
func LoadSizes(patch string) (map[string]Size, error) {
	doc := []byte(DefaultSizes)
	if strings.TrimSpace(patch) != "" {
		merged, err := jsonpatch.MergePatch(doc, []byte(patch))
		if err != nil {
			return nil, fmt.Errorf("apply SCALE_SIZES_PATCH: %w", err)
		}
		doc = merged
	}

	sizes := make(map[string]Size)
	if err := json.Unmarshal(doc, &sizes); err != nil {
		return nil, fmt.Errorf("parse scale sizes: %w", err)
	}
	return sizes, nil
}

// parseDensities parses "2:62,3:51" into multiplier/quality pairs
func parseDensities(raw string) ([]Density, error) {
	var out []Density
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scale, quality, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid density %q: want scale:quality", part)
		}
		s, err := strconv.ParseFloat(scale, 64)
		if err != nil || s <= 1 {
			return nil, fmt.Errorf("invalid density scale %q", scale)
		}
		q, err := strconv.Atoi(quality)
		if err != nil || q < 1 || q > 100 {
			return nil, fmt.Errorf("invalid density quality %q", quality)
		}
		out = append(out, Density{Scale: s, Quality: q})
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
