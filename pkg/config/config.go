package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Reference     ReferenceConfig
	Expiry        ExpiryConfig
	Notifications NotificationsConfig
	Directory     DirectoryConfig
	Feeds         FeedsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ReferenceConfig holds the secrets backing opaque record references.
// EncryptionKey protects the embedded internal id, SigningKey signs the
// record content hash. Rotating either key invalidates every reference
// already handed out to clients.
type ReferenceConfig struct {
	EncryptionKey string
	SigningKey    string
}

// ExpiryConfig tunes the expiry scanner and the batch transaction budgets.
type ExpiryConfig struct {
	WarningDays    int
	Interval       time.Duration
	AcquireTimeout time.Duration
	RunTimeout     time.Duration
}

// NotificationsConfig governs best-effort notification dispatch.
type NotificationsConfig struct {
	Enabled           bool
	WebhookURL        string
	WorkerConcurrency int
	WorkerRetries     int
}

// DirectoryConfig points at the institutional person directory.
type DirectoryConfig struct {
	BaseURL string
	Timeout time.Duration
}

// FeedsConfig tunes the partner-facing expiring-record feeds.
type FeedsConfig struct {
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Reference = ReferenceConfig{
		EncryptionKey: v.GetString("REFERENCE_ENCRYPTION_KEY"),
		SigningKey:    v.GetString("REFERENCE_SIGNING_KEY"),
	}

	cfg.Expiry = ExpiryConfig{
		WarningDays:    v.GetInt("EXPIRY_WARNING_DAYS"),
		Interval:       parseDuration(v.GetString("EXPIRY_SCAN_INTERVAL"), 24*time.Hour),
		AcquireTimeout: parseDuration(v.GetString("EXPIRY_TX_ACQUIRE_TIMEOUT"), 10*time.Second),
		RunTimeout:     parseDuration(v.GetString("EXPIRY_TX_RUN_TIMEOUT"), 30*time.Second),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled:           v.GetBool("ENABLE_NOTIFICATIONS"),
		WebhookURL:        v.GetString("NOTIFICATIONS_WEBHOOK_URL"),
		WorkerConcurrency: v.GetInt("NOTIFICATIONS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("NOTIFICATIONS_WORKER_RETRIES"),
	}

	cfg.Directory = DirectoryConfig{
		BaseURL: v.GetString("DIRECTORY_BASE_URL"),
		Timeout: parseDuration(v.GetString("DIRECTORY_TIMEOUT"), 5*time.Second),
	}

	cfg.Feeds = FeedsConfig{
		CacheTTL: parseDuration(v.GetString("FEEDS_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "permit_api")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("REFERENCE_ENCRYPTION_KEY", "dev_reference_encryption_key")
	v.SetDefault("REFERENCE_SIGNING_KEY", "dev_reference_signing_key")

	v.SetDefault("EXPIRY_WARNING_DAYS", 30)
	v.SetDefault("EXPIRY_SCAN_INTERVAL", "24h")
	v.SetDefault("EXPIRY_TX_ACQUIRE_TIMEOUT", "10s")
	v.SetDefault("EXPIRY_TX_RUN_TIMEOUT", "30s")

	v.SetDefault("ENABLE_NOTIFICATIONS", false)
	v.SetDefault("NOTIFICATIONS_WEBHOOK_URL", "")
	v.SetDefault("NOTIFICATIONS_WORKER_CONCURRENCY", 1)
	v.SetDefault("NOTIFICATIONS_WORKER_RETRIES", 3)

	v.SetDefault("DIRECTORY_BASE_URL", "")
	v.SetDefault("DIRECTORY_TIMEOUT", "5s")

	v.SetDefault("FEEDS_CACHE_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
