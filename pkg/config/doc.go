// Package config loads warden configuration from environment variables.
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_READ_TIMEOUT="15s"
//
// Store settings:
//
//	WARDEN_STORE_TYPE="postgres"  # memory, postgres, sqlite
//	WARDEN_DATABASE_URL="postgres://localhost/warden?sslmode=disable"
//	WARDEN_DB_MAX_OPEN_CONNS="20"
//
// Hierarchy lock and decision cache:
//
//	WARDEN_LOCK_BACKEND="redis"  # local, redis (defaults to redis when WARDEN_REDIS_URL is set)
//	WARDEN_REDIS_URL="localhost:6379"
//	WARDEN_CACHE_SIZE="10000"
//	WARDEN_CACHE_TTL="30s"
//
// Audit and sweeper:
//
//	WARDEN_AUDIT_SINKS="file,db"  # db requires the postgres store
//	WARDEN_AUDIT_FILE_PATH="/var/log/warden/audit"
//	WARDEN_AUDIT_RETENTION_DAYS="90"
//	WARDEN_SWEEPER_SCHEDULE="*/5 * * * *"
//
// Observability:
//
//	WARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	WARDEN_OTEL_ENABLED="true"
//	WARDEN_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
