package config

import (
	"testing"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue string
		want         string
	}{
		{name: "returns env value when set", envValue: "custom", defaultValue: "default", want: "custom"},
		{name: "returns default when env not set", envValue: "", defaultValue: "default", want: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_VAR", tt.envValue)
			if got := getEnv("WARDEN_TEST_VAR", tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "upper case", envValue: "TRUE", want: true},
		{name: "false", envValue: "false", defaultValue: true, want: false},
		{name: "unset keeps default", envValue: "", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_TEST_BOOL", tt.envValue)
			if got := getEnvBool("WARDEN_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the numeric helpers
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("WARDEN_TEST_INT", "42")
	t.Setenv("WARDEN_TEST_BAD_INT", "invalid")
	t.Setenv("WARDEN_TEST_INT64", "1099511627776")
	t.Setenv("WARDEN_TEST_FLOAT", "0.25")
	t.Setenv("WARDEN_TEST_DURATION", "90s")

	if got := getEnvInt("WARDEN_TEST_INT", 10); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("WARDEN_TEST_BAD_INT", 10); got != 10 {
		t.Errorf("getEnvInt() = %v, want default 10", got)
	}
	if got := getEnvInt64("WARDEN_TEST_INT64", 0); got != 1099511627776 {
		t.Errorf("getEnvInt64() = %v", got)
	}
	if got := getEnvFloat("WARDEN_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvDuration("WARDEN_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("WARDEN_TEST_BAD_INT", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want default", got)
	}
}

// TestGetEnvList tests comma separated parsing
func TestGetEnvList(t *testing.T) {
	t.Setenv("WARDEN_TEST_LIST", " File, DB ,,memory")
	got := getEnvList("WARDEN_TEST_LIST", nil)
	want := []string{"file", "db", "memory"}
	if len(got) != len(want) {
		t.Fatalf("getEnvList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	t.Setenv("WARDEN_TEST_LIST", "")
	if got := getEnvList("WARDEN_TEST_LIST", []string{"file"}); len(got) != 1 || got[0] != "file" {
		t.Errorf("getEnvList() default = %v", got)
	}
}

// TestLoadLockConfig checks the backend default follows the Redis URL
func TestLoadLockConfig(t *testing.T) {
	t.Setenv("WARDEN_REDIS_URL", "")
	t.Setenv("WARDEN_LOCK_BACKEND", "")
	if got := loadLockConfig().Backend; got != LockLocal {
		t.Errorf("backend = %q, want local", got)
	}

	t.Setenv("WARDEN_REDIS_URL", "localhost:6379")
	if got := loadLockConfig().Backend; got != LockRedis {
		t.Errorf("backend = %q, want redis", got)
	}

	t.Setenv("WARDEN_LOCK_BACKEND", "LOCAL")
	if got := loadLockConfig().Backend; got != LockLocal {
		t.Errorf("backend = %q, want explicit local", got)
	}
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", HealthPort: "9090"},
		Store:   StoreConfig{Type: StoreMemory},
		Lock:    LockConfig{Backend: LockLocal},
		Cache:   CacheConfig{Enabled: true, Size: 100, TTL: time.Second},
		Audit:   AuditConfig{Sinks: []string{AuditSinkMemory}, RetentionDays: 90},
		Sweeper: SweeperConfig{Schedule: "*/5 * * * *"},
	}
}

// TestConfigValidate tests Validate across inconsistent combinations
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid memory config", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: true},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Store.Type = StorePostgres }, wantErr: true},
		{name: "sqlite with url", mutate: func(c *Config) {
			c.Store.Type = StoreSQLite
			c.Store.DatabaseURL = "file:warden.db"
		}},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "dynamo" }, wantErr: true},
		{name: "redis lock without url", mutate: func(c *Config) { c.Lock.Backend = LockRedis }, wantErr: true},
		{name: "unknown lock", mutate: func(c *Config) { c.Lock.Backend = "etcd" }, wantErr: true},
		{name: "cache enabled with zero size", mutate: func(c *Config) { c.Cache.Size = 0 }, wantErr: true},
		{name: "cache disabled with zero size", mutate: func(c *Config) {
			c.Cache.Enabled = false
			c.Cache.Size = 0
		}},
		{name: "rate limit with zero budget", mutate: func(c *Config) { c.RateLimit.Enabled = true }, wantErr: true},
		{name: "db sink needs postgres", mutate: func(c *Config) { c.Audit.Sinks = []string{AuditSinkDB} }, wantErr: true},
		{name: "db sink with postgres", mutate: func(c *Config) {
			c.Store.Type = StorePostgres
			c.Store.DatabaseURL = "postgres://localhost/warden"
			c.Audit.Sinks = []string{AuditSinkDB, AuditSinkFile}
			c.Audit.FilePath = "/tmp/audit"
		}},
		{name: "file sink without path", mutate: func(c *Config) { c.Audit.Sinks = []string{AuditSinkFile} }, wantErr: true},
		{name: "unknown sink", mutate: func(c *Config) { c.Audit.Sinks = []string{"kafka"} }, wantErr: true},
		{name: "zero retention", mutate: func(c *Config) { c.Audit.RetentionDays = 0 }, wantErr: true},
		{name: "otel without endpoint", mutate: func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelServiceName = "warden" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfig tests loading from a clean environment plus overrides
func TestLoadConfig(t *testing.T) {
	t.Setenv("WARDEN_STORE_TYPE", "SQLite")
	t.Setenv("WARDEN_DATABASE_URL", "file::memory:?cache=shared")
	t.Setenv("WARDEN_REDIS_URL", "")
	t.Setenv("WARDEN_LOCK_BACKEND", "")
	t.Setenv("WARDEN_AUDIT_SINKS", "memory")
	t.Setenv("WARDEN_LOG_LEVEL", "debug")
	t.Setenv("WARDEN_CACHE_TTL", "5s")
	t.Setenv("WARDEN_SEED_FILE", "/etc/warden/seed.yaml")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Type != StoreSQLite {
		t.Errorf("store type = %q", cfg.Store.Type)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("log level = %v", cfg.Observability.LogLevel)
	}
	if cfg.Cache.TTL != 5*time.Second {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}
	if !cfg.Audit.HasSink(AuditSinkMemory) || cfg.Audit.HasSink(AuditSinkFile) {
		t.Errorf("audit sinks = %v", cfg.Audit.Sinks)
	}
	if cfg.SeedPath != "/etc/warden/seed.yaml" {
		t.Errorf("seed path = %q", cfg.SeedPath)
	}
}

// TestLoadConfig_Invalid surfaces validation failures
func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("WARDEN_STORE_TYPE", "postgres")
	t.Setenv("WARDEN_DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() expected error for postgres without a URL")
	}
}
