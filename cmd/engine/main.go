package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"

	"github.com/clearviewfx/retention-engine/internal/adapter"
	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/config"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/retention"
	"github.com/clearviewfx/retention-engine/internal/scheduler"
	"github.com/clearviewfx/retention-engine/internal/scoring"
	"github.com/clearviewfx/retention-engine/internal/source"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/syncer"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadEngineConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "engine",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting retention engine")

	// Connect to the local analytical database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err))
	}
	defer closeDB(ctx, db, "engine")
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	// Apply local schema migrations
	if err := store.Migrate(db); err != nil {
		logger.FatalCtx(ctx, "Failed to migrate database", zap.Error(err))
	}

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	// Crash recovery: anything still marked running was orphaned by the
	// previous process and must be corrected before new jobs start
	recovered, err := dataStore.RecoverOrphanSyncJobs(ctx)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to recover orphan sync jobs", zap.Error(err))
	}
	if recovered > 0 {
		logger.WarnCtx(ctx, "Recovered orphaned sync jobs", zap.Int64("count", recovered))
	}

	// Connect to the CRM source
	crmDB, err := gorm.Open(sqlserver.Open(cfg.CRM.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to CRM source", zap.Error(err))
	}
	defer closeDB(ctx, crmDB, "crm")
	crmSource, err := source.NewCRMSource(crmDB, cfg.CRM.Schema)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to initialize CRM source", zap.Error(err))
	}

	// Wire the sync pipelines
	engineSyncer := syncer.New(dataStore, clock, cfg.Sync)
	engineSyncer.RegisterCRM(crmSource)

	// The platform replica is optional; without it only CRM pipelines run
	if cfg.Replica.Enabled() {
		replicaDB, err := gorm.Open(postgres.Open(cfg.Replica.DSN()), &gorm.Config{})
		if err != nil {
			logger.FatalCtx(ctx, "Failed to connect to platform replica", zap.Error(err))
		}
		defer closeDB(ctx, replicaDB, "replica")
		platformSource, err := source.NewPlatformSource(replicaDB, cfg.Replica.Schema)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to initialize platform source", zap.Error(err))
		}
		engineSyncer.RegisterPlatform(platformSource)
	} else {
		logger.InfoCtx(ctx, "Platform replica not configured, replica pipelines disabled")
	}

	// Aggregate view, scoring and assignment engines
	queryBuilder, err := aggregate.NewQueryBuilder(cfg.Aggregate.QualificationCutoff, cfg.Aggregate.ActivityWindowDays)
	if err != nil {
		logger.FatalCtx(ctx, "Invalid aggregate configuration", zap.Error(err))
	}
	catalog := aggregate.NewCatalog(cfg.Aggregate.ActivityWindowDays)
	viewBuilder := aggregate.NewBuilder(dataStore, queryBuilder)

	scoringEngine := scoring.NewEngine(dataStore, catalog, clock)
	assignmentEngine := retention.NewEngine(dataStore, catalog)
	assignmentQueue := retention.NewQueue(ctx, assignmentEngine)

	viewBuilder.AfterRefresh(
		scoringEngine.RecomputeAllScores,
		func(ctx context.Context) error {
			assignmentQueue.EnqueueRecompute(ctx)
			return nil
		},
	)

	// The view shape depends on the extra-column configuration, which may
	// have changed while the engine was down, so startup always rebuilds
	if err := viewBuilder.Rebuild(ctx); err != nil {
		logger.FatalCtx(ctx, "Failed initial view rebuild", zap.Error(err))
	}

	// Start the periodic jobs
	engineScheduler := scheduler.New(ctx, engineSyncer, viewBuilder, cfg.Schedule)
	if err := engineScheduler.Register(); err != nil {
		logger.FatalCtx(ctx, "Failed to register scheduled jobs", zap.Error(err))
	}
	engineScheduler.Start()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))

	engineScheduler.Stop()
	assignmentQueue.Stop()

	logger.Info("Retention engine stopped")
}

// closeDB releases a gorm connection pool on shutdown
func closeDB(ctx context.Context, db *gorm.DB, name string) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.WarnCtx(ctx, "Failed to access connection pool on shutdown",
			zap.String("db", name), zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.WarnCtx(ctx, "Failed to close connection pool",
			zap.String("db", name), zap.Error(err))
	}
}
