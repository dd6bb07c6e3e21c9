package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/config"
	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/syncer"
)

// Scheduler drives the periodic jobs of a single engine instance: one
// incremental sync per registered pipeline, the nightly full sweep and the
// steady-state view refresh. Per-category mutual exclusion lives in the
// sync ledger, not here, so an overrunning job simply makes its next tick
// a no-op.
type Scheduler struct {
	cron    *cron.Cron
	syncer  *syncer.Syncer
	builder *aggregate.Builder
	cfg     config.ScheduleConfig
	ctx     context.Context
}

// New creates a scheduler. ctx bounds every job the scheduler starts.
func New(ctx context.Context, sy *syncer.Syncer, builder *aggregate.Builder, cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		syncer:  sy,
		builder: builder,
		cfg:     cfg,
		ctx:     ctx,
	}
}

// Register wires every periodic job into the cron table
func (s *Scheduler) Register() error {
	intervals := map[domain.JobCategory]time.Duration{
		domain.CategoryAccounts:        s.cfg.AccountsInterval,
		domain.CategoryTradingAccounts: s.cfg.TradingAccountsInterval,
		domain.CategoryTransactions:    s.cfg.TransactionsInterval,
		domain.CategoryCRMUsers:        s.cfg.CRMUsersInterval,
		domain.CategoryTrades:          s.cfg.TradesInterval,
		domain.CategoryPlatformUsers:   s.cfg.PlatformUsersInterval,
	}

	for _, cat := range s.syncer.Categories() {
		category := cat
		interval := intervals[category]
		if interval <= 0 {
			logger.Warn("No interval configured, incremental sync disabled",
				zap.String("category", string(category)),
			)
			continue
		}
		spec := "@every " + interval.String()
		if _, err := s.cron.AddFunc(spec, func() {
			if err := s.syncer.RunIncremental(s.ctx, category); err != nil &&
				!errors.Is(err, domain.ErrSyncAlreadyRunning) {
				logger.ErrorCtx(s.ctx, err, zap.String("category", string(category)))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s sync: %w", category, err)
		}
	}

	if _, err := s.cron.AddFunc("@every "+s.cfg.RefreshInterval.String(), func() {
		if err := s.builder.Refresh(s.ctx); err != nil {
			logger.ErrorCtx(s.ctx, err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule view refresh: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.FullSyncCron, func() {
		logger.InfoCtx(s.ctx, "Nightly full sweep starting")
		if err := s.syncer.RunFullSweep(s.ctx); err != nil {
			logger.ErrorCtx(s.ctx, err)
			return
		}
		if err := s.builder.Refresh(s.ctx); err != nil {
			logger.ErrorCtx(s.ctx, err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule full sweep: %w", err)
	}

	return nil
}

// Start begins dispatching jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops dispatching and waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Scheduler stopped")
}
