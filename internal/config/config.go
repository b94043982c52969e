package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Supabase  SupabaseConfig
	RateLimit RateLimitConfig
	Astria    AstriaConfig
	Storage   StorageConfig
	Cache     CacheConfig
	Sweep     SweepConfig
	Reconcile ReconcileConfig
	Cron      CronConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// DatabaseConfig selects the session store. Driver is one of
// "postgres" (pgx), "sqlite" or "mysql" (gorm).
type DatabaseConfig struct {
	Driver      string
	URL         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type SupabaseConfig struct {
	URL      string
	Issuer   string
	Audience string
}

type RateLimitConfig struct {
	ReconcilePerMin int
}

type AstriaConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    int // seconds
	RatePerSec float64
	Burst      int
}

// StorageConfig selects where generated images are re-hosted. Driver is
// "r2" or "minio".
type StorageConfig struct {
	Driver          string
	DownloadTimeout int // seconds
	MaxDownloadMB   int
	R2              R2Config
	Minio           MinioConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type CacheConfig struct {
	Driver          string // memory | redis
	TTL             time.Duration
	CleanupInterval time.Duration
}

type SweepConfig struct {
	Concurrency int
	Schedule    string
	Enabled     bool
}

type ReconcileConfig struct {
	Timeout             time.Duration
	MaxMissingRefChecks int
}

type CronConfig struct {
	Secret string
}

type WebhookConfig struct {
	Secret string
}

type TracingConfig struct {
	Exporter    string // none | stdout | otlphttp
	Endpoint    string
	ServiceName string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("DATABASE_URL")
	readSecret("REDIS_PASSWORD")
	readSecret("SUPABASE_JWT_SECRET")
	readSecret("ASTRIA_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")
	readSecret("CRON_SECRET")
	readSecret("ASTRIA_WEBHOOK_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "SUPABASE_JWT_SECRET")
	_ = v.BindEnv("supabase.url", "SUPABASE_URL")
	_ = v.BindEnv("supabase.issuer", "SUPABASE_ISSUER")
	_ = v.BindEnv("supabase.audience", "SUPABASE_AUDIENCE")
	_ = v.BindEnv("ratelimit.reconcile_per_min", "RATELIMIT_RECONCILE_PER_MIN")
	_ = v.BindEnv("astria.api_key", "ASTRIA_API_KEY")
	_ = v.BindEnv("astria.base_url", "ASTRIA_BASE_URL")
	_ = v.BindEnv("astria.timeout", "ASTRIA_TIMEOUT")
	_ = v.BindEnv("astria.rate_per_sec", "ASTRIA_RATE_PER_SEC")
	_ = v.BindEnv("astria.burst", "ASTRIA_BURST")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.download_timeout", "STORAGE_DOWNLOAD_TIMEOUT")
	_ = v.BindEnv("storage.max_download_mb", "STORAGE_MAX_DOWNLOAD_MB")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	_ = v.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	_ = v.BindEnv("minio.bucket", "MINIO_BUCKET")
	_ = v.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	_ = v.BindEnv("minio.public_url", "MINIO_PUBLIC_URL")
	_ = v.BindEnv("cache.driver", "CACHE_DRIVER")
	_ = v.BindEnv("cache.ttl", "CACHE_TTL")
	_ = v.BindEnv("cache.cleanup_interval", "CACHE_CLEANUP_INTERVAL")
	_ = v.BindEnv("sweep.concurrency", "SWEEP_CONCURRENCY")
	_ = v.BindEnv("sweep.schedule", "SWEEP_SCHEDULE")
	_ = v.BindEnv("sweep.enabled", "SWEEP_ENABLED")
	_ = v.BindEnv("reconcile.timeout", "RECONCILE_TIMEOUT")
	_ = v.BindEnv("reconcile.max_missing_ref_checks", "RECONCILE_MAX_MISSING_REF_CHECKS")
	_ = v.BindEnv("cron.secret", "CRON_SECRET")
	_ = v.BindEnv("webhook.secret", "ASTRIA_WEBHOOK_SECRET")
	_ = v.BindEnv("tracing.exporter", "OTEL_EXPORTER")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.reconcile_per_min", 30)

	// Astria defaults
	v.SetDefault("astria.base_url", "https://api.astria.ai")
	v.SetDefault("astria.timeout", 30)
	v.SetDefault("astria.rate_per_sec", 5.0)
	v.SetDefault("astria.burst", 5)

	// Storage defaults
	v.SetDefault("storage.driver", "r2")
	v.SetDefault("storage.download_timeout", 60)
	v.SetDefault("storage.max_download_mb", 25)
	v.SetDefault("minio.bucket", "babyshoot-images")

	// Cache defaults
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.cleanup_interval", "1m")

	// Sweep defaults
	v.SetDefault("sweep.concurrency", 5)
	v.SetDefault("sweep.schedule", "*/2 * * * *")
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("reconcile.timeout", "45s")
	v.SetDefault("reconcile.max_missing_ref_checks", 5)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(v.GetString("database.driver")),
			URL:         v.GetString("database.url"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Supabase: SupabaseConfig{
			URL:      v.GetString("supabase.url"),
			Issuer:   v.GetString("supabase.issuer"),
			Audience: v.GetString("supabase.audience"),
		},
		RateLimit: RateLimitConfig{
			ReconcilePerMin: v.GetInt("ratelimit.reconcile_per_min"),
		},
		Astria: AstriaConfig{
			APIKey:     v.GetString("astria.api_key"),
			BaseURL:    v.GetString("astria.base_url"),
			Timeout:    v.GetInt("astria.timeout"),
			RatePerSec: v.GetFloat64("astria.rate_per_sec"),
			Burst:      v.GetInt("astria.burst"),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(v.GetString("storage.driver")),
			DownloadTimeout: v.GetInt("storage.download_timeout"),
			MaxDownloadMB:   v.GetInt("storage.max_download_mb"),
			R2: R2Config{
				AccountID:       v.GetString("r2.account_id"),
				AccessKeyID:     v.GetString("r2.access_key_id"),
				SecretAccessKey: v.GetString("r2.secret_access_key"),
				BucketName:      v.GetString("r2.bucket_name"),
				PublicURL:       v.GetString("r2.public_url"),
			},
			Minio: MinioConfig{
				Endpoint:  v.GetString("minio.endpoint"),
				AccessKey: v.GetString("minio.access_key"),
				SecretKey: v.GetString("minio.secret_key"),
				Bucket:    v.GetString("minio.bucket"),
				UseSSL:    v.GetBool("minio.use_ssl"),
				PublicURL: v.GetString("minio.public_url"),
			},
		},
		Cache: CacheConfig{
			Driver:          strings.ToLower(v.GetString("cache.driver")),
			TTL:             v.GetDuration("cache.ttl"),
			CleanupInterval: v.GetDuration("cache.cleanup_interval"),
		},
		Sweep: SweepConfig{
			Concurrency: v.GetInt("sweep.concurrency"),
			Schedule:    v.GetString("sweep.schedule"),
			Enabled:     v.GetBool("sweep.enabled"),
		},
		Reconcile: ReconcileConfig{
			Timeout:             v.GetDuration("reconcile.timeout"),
			MaxMissingRefChecks: v.GetInt("reconcile.max_missing_ref_checks"),
		},
		Cron: CronConfig{
			Secret: v.GetString("cron.secret"),
		},
		Webhook: WebhookConfig{
			Secret: v.GetString("webhook.secret"),
		},
		Tracing: TracingConfig{
			Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
			Endpoint:    v.GetString("tracing.endpoint"),
			ServiceName: "babyshoot-api",
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache driver %q", c.Cache.Driver)
	}
	switch c.Storage.Driver {
	case "r2", "minio":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Sweep.Concurrency < 1 {
		return fmt.Errorf("sweep concurrency must be at least 1, got %d", c.Sweep.Concurrency)
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Sweep.Schedule, err)
		}
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Reconcile.Timeout <= 0 {
		return fmt.Errorf("reconcile timeout must be positive")
	}
	if c.Reconcile.MaxMissingRefChecks < 0 {
		return fmt.Errorf("max missing reference checks must be >= 0, got %d", c.Reconcile.MaxMissingRefChecks)
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Env, "development")
}
