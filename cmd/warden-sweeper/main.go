package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for expiry sweeps (overrides WARDEN_SWEEPER_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run a single sweep and exit")
	timeout  = flag.Duration("timeout", 2*time.Minute, "Upper bound on a single sweep")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).Component("warden-sweeper")
	if *schedule != "" {
		cfg.Sweeper.Schedule = *schedule
	}

	db, dialect, err := openDatabase(cfg.Store)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	rbacConfig := rbac.DefaultConfig()
	rbacConfig.SkipSeed = true
	opts := rbac.Options{Logger: logger}
	if cfg.Sweeper.PruneAudit && cfg.Audit.HasSink(config.AuditSinkDB) {
		dbAudit, err := audit.NewDBLogger(db)
		if err != nil {
			logger.WithError(err).Error("Failed to open audit log")
			os.Exit(1)
		}
		defer dbAudit.Close()
		opts.Audit = dbAudit
		rbacConfig.AuditRetention = &audit.RetentionPolicy{RetentionDays: cfg.Audit.RetentionDays}
	}

	manager := rbac.NewManager(rbac.NewSQLStore(db, dialect), rbacConfig, opts)
	if err := manager.Initialize(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to initialize RBAC store")
		os.Exit(1)
	}

	if *runOnce {
		if err := runSweep(manager, logger); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Sweeper.Schedule, func() {
		_ = runSweep(manager, logger)
	})
	if err != nil {
		logger.WithError(err).Errorf("Invalid sweep schedule %q", cfg.Sweeper.Schedule)
		os.Exit(1)
	}

	if cfg.Sweeper.RunOnStart {
		_ = runSweep(manager, logger)
	}

	c.Start()
	logger.WithField("schedule", cfg.Sweeper.Schedule).Info("Sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down sweeper...")
	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}

func runSweep(manager *rbac.Manager, logger *observability.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	result, err := manager.Sweep(ctx)
	if err != nil {
		logger.WithError(err).Error("Sweep failed")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"elevations":   result.Elevations,
		"assignments":  result.Assignments,
		"audit_pruned": result.AuditPruned,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("Sweep completed")
	return nil
}

// openDatabase connects to the SQL store. The memory store holds nothing a
// separate process could sweep.
func openDatabase(cfg config.StoreConfig) (*sql.DB, rbac.Dialect, error) {
	var dialect rbac.Dialect
	switch cfg.Type {
	case config.StorePostgres:
		dialect = rbac.DialectPostgres
	case config.StoreSQLite:
		dialect = rbac.DialectSQLite
	default:
		return nil, "", fmt.Errorf("sweeper requires a SQL store, got %q", cfg.Type)
	}

	db, err := sql.Open(string(dialect), cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", err
	}
	return db, dialect, nil
}
