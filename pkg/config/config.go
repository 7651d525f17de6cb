package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Store types
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Audit sinks
const (
	AuditSinkDB     = "db"
	AuditSinkFile   = "file"
	AuditSinkMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Lock          LockConfig
	Cache         CacheConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Sweeper       SweeperConfig
	SeedPath      string
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StoreConfig selects and sizes the RBAC store
type StoreConfig struct {
	Type            string
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LockConfig selects the hierarchy mutation lock
type LockConfig struct {
	Backend       string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	Prefix        string
	TTL           time.Duration
}

// CacheConfig controls the decision cache
type CacheConfig struct {
	Enabled bool
	Size    int
	TTL     time.Duration
}

// RateLimitConfig throttles permission checks per caller. The limiter is
// shared through Redis when the redis lock backend is configured.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
	FailOpen          bool
}

// AuditConfig controls audit record sinks
type AuditConfig struct {
	Sinks         []string
	Async         bool
	FilePath      string
	FileMaxSize   int64
	FileMaxFiles  int
	MemoryLimit   int
	RetentionDays int
}

// HasSink reports whether name is an enabled sink
func (a AuditConfig) HasSink(name string) bool {
	for _, s := range a.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// SweeperConfig controls the expiry sweeper binary
type SweeperConfig struct {
	Schedule   string
	RunOnStart bool
	PruneAudit bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Lock:          loadLockConfig(),
		Cache:         loadCacheConfig(),
		RateLimit:     loadRateLimitConfig(),
		Audit:         loadAuditConfig(),
		Sweeper:       loadSweeperConfig(),
		SeedPath:      getEnv("WARDEN_SEED_FILE", ""),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("WARDEN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            strings.ToLower(getEnv("WARDEN_STORE_TYPE", StoreMemory)),
		DatabaseURL:     getEnv("WARDEN_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("WARDEN_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("WARDEN_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("WARDEN_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadLockConfig() LockConfig {
	backend := LockLocal
	redisURL := getEnv("WARDEN_REDIS_URL", "")
	if redisURL != "" {
		backend = LockRedis
	}
	return LockConfig{
		Backend:       strings.ToLower(getEnv("WARDEN_LOCK_BACKEND", backend)),
		RedisURL:      redisURL,
		RedisPassword: getEnv("WARDEN_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("WARDEN_REDIS_DB", 0),
		Prefix:        getEnv("WARDEN_LOCK_PREFIX", "warden:lock"),
		TTL:           getEnvDuration("WARDEN_LOCK_TTL", 10*time.Second),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: getEnvBool("WARDEN_CACHE_ENABLED", true),
		Size:    getEnvInt("WARDEN_CACHE_SIZE", 10000),
		TTL:     getEnvDuration("WARDEN_CACHE_TTL", 30*time.Second),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("WARDEN_RATE_LIMIT_ENABLED", false),
		RequestsPerMinute: getEnvInt("WARDEN_RATE_LIMIT_PER_MINUTE", 6000),
		Burst:             getEnvInt("WARDEN_RATE_LIMIT_BURST", 200),
		FailOpen:          getEnvBool("WARDEN_RATE_LIMIT_FAIL_OPEN", true),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Sinks:         getEnvList("WARDEN_AUDIT_SINKS", []string{AuditSinkFile}),
		Async:         getEnvBool("WARDEN_AUDIT_ASYNC", true),
		FilePath:      getEnv("WARDEN_AUDIT_FILE_PATH", "/var/log/warden/audit"),
		FileMaxSize:   getEnvInt64("WARDEN_AUDIT_FILE_MAX_SIZE", 100*1024*1024),
		FileMaxFiles:  getEnvInt("WARDEN_AUDIT_FILE_MAX_FILES", 10),
		MemoryLimit:   getEnvInt("WARDEN_AUDIT_MEMORY_LIMIT", 1000),
		RetentionDays: getEnvInt("WARDEN_AUDIT_RETENTION_DAYS", 90),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:   getEnv("WARDEN_SWEEPER_SCHEDULE", "*/5 * * * *"),
		RunOnStart: getEnvBool("WARDEN_SWEEPER_RUN_ON_START", true),
		PruneAudit: getEnvBool("WARDEN_SWEEPER_PRUNE_AUDIT", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("WARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("WARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("WARDEN_OTEL_SERVICE_NAME", "warden"),
		OTelServiceVersion: getEnv("WARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("WARDEN_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("WARDEN_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for %s store", c.Store.Type)
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory, postgres, or sqlite)", c.Store.Type)
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("invalid lock backend: %s (must be local or redis)", c.Lock.Backend)
	}

	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive when the cache is enabled")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive when rate limiting is enabled")
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case AuditSinkFile:
			if c.Audit.FilePath == "" {
				return fmt.Errorf("audit file path is required for the file sink")
			}
		case AuditSinkDB:
			if c.Store.Type != StorePostgres {
				return fmt.Errorf("the db audit sink requires the postgres store")
			}
		case AuditSinkMemory:
		default:
			return fmt.Errorf("invalid audit sink: %s (must be db, file, or memory)", sink)
		}
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default.
// Entries are trimmed and lower-cased; empty entries are dropped.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
