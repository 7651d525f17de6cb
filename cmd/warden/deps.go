package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/locks"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// openStore returns the configured RBAC store. db is nil for the memory
// store.
func openStore(ctx context.Context, cfg config.StoreConfig) (rbac.Store, *sql.DB, error) {
	var dialect rbac.Dialect
	switch cfg.Type {
	case config.StoreMemory:
		return rbac.NewMemoryStore(), nil, nil
	case config.StorePostgres:
		dialect = rbac.DialectPostgres
	case config.StoreSQLite:
		dialect = rbac.DialectSQLite
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}

	db, err := sql.Open(string(dialect), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if dialect == rbac.DialectSQLite {
		// SQLite allows one writer; a single connection avoids busy errors.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return rbac.NewSQLStore(db, dialect), db, nil
}

// openRedis connects to Redis when the redis lock backend is configured.
func openRedis(ctx context.Context, cfg config.LockConfig) (*redis.Client, error) {
	if cfg.Backend != config.LockRedis {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func newLocker(cfg config.LockConfig, client *redis.Client) locks.Locker {
	if client == nil {
		return locks.NewLocalLocker()
	}
	return locks.NewRedisLocker(client, locks.RedisLockerConfig{
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
	})
}

// openAudit builds the configured audit sinks behind one MultiLogger.
func openAudit(cfg config.AuditConfig, db *sql.DB) (*audit.MultiLogger, error) {
	var sinks []audit.Logger
	for _, name := range cfg.Sinks {
		switch name {
		case config.AuditSinkDB:
			l, err := audit.NewDBLogger(db)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, l)
		case config.AuditSinkFile:
			l, err := audit.NewFileLogger(audit.FileLoggerConfig{
				BasePath: cfg.FilePath,
				Rotate:   true,
				MaxSize:  cfg.FileMaxSize,
				MaxFiles: cfg.FileMaxFiles,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, l)
		case config.AuditSinkMemory:
			sinks = append(sinks, audit.NewMemoryLogger(cfg.MemoryLimit))
		}
	}
	multi := audit.NewMultiLogger(sinks...)
	multi.SetAsync(cfg.Async)
	return multi, nil
}

func retentionPolicy(cfg config.AuditConfig) *audit.RetentionPolicy {
	return &audit.RetentionPolicy{RetentionDays: cfg.RetentionDays}
}
