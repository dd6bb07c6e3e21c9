package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/adapter"
	"github.com/clearviewfx/retention-engine/internal/config"
	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/source"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// sweepOrder fixes the sequence of the nightly full sweep: profile tables
// before the high-volume activity tables they are joined against
var sweepOrder = []domain.JobCategory{
	domain.CategoryAccounts,
	domain.CategoryTradingAccounts,
	domain.CategoryTransactions,
	domain.CategoryCRMUsers,
	domain.CategoryTrades,
	domain.CategoryPlatformUsers,
}

// Syncer drives the per-table sync pipelines and records every run in the
// sync ledger. The ledger, not the process, is the mutual-exclusion
// mechanism: a run only proceeds once its running entry has been inserted.
type Syncer struct {
	env       *env
	pipelines map[domain.JobCategory]tableSyncer
}

// New creates a syncer with no pipelines registered
func New(st store.Store, clock adapter.Clock, cfg config.SyncConfig) *Syncer {
	return &Syncer{
		env:       &env{store: st, clock: clock, cfg: cfg},
		pipelines: make(map[domain.JobCategory]tableSyncer),
	}
}

// RegisterCRM registers the four CRM-sourced pipelines. Their full syncs
// truncate lazily, after the first page has been fetched, so an
// unreachable CRM never leaves a profile table empty.
func (s *Syncer) RegisterCRM(crm source.CRMSource) {
	s.register(&pipeline[schema.Account]{
		cat:          domain.CategoryAccounts,
		batchSize:    s.env.cfg.CRMBatchSize,
		lazyTruncate: true,
		fetch:        crm.FetchAccounts,
		write:        s.env.store.UpsertAccounts,
	})
	s.register(&pipeline[schema.TradingAccount]{
		cat:          domain.CategoryTradingAccounts,
		batchSize:    s.env.cfg.CRMBatchSize,
		lazyTruncate: true,
		fetch:        crm.FetchTradingAccounts,
		write:        s.env.store.UpsertTradingAccounts,
	})
	s.register(&pipeline[schema.Transaction]{
		cat:          domain.CategoryTransactions,
		batchSize:    s.env.cfg.CRMBatchSize,
		lazyTruncate: true,
		fetch:        crm.FetchTransactions,
		write:        s.env.store.UpsertTransactions,
	})
	s.register(&pipeline[schema.CRMUser]{
		cat:          domain.CategoryCRMUsers,
		batchSize:    s.env.cfg.CRMBatchSize,
		lazyTruncate: true,
		fetch:        crm.FetchCRMUsers,
		write:        s.env.store.UpsertCRMUsers,
	})
}

// RegisterPlatform registers the two replica-sourced pipelines. The replica
// tables truncate immediately: a stale snapshot of a table this volume is
// no more usable than an empty one, and the early truncate releases space
// before the reload starts.
func (s *Syncer) RegisterPlatform(platform source.PlatformSource) {
	s.register(&pipeline[schema.Trade]{
		cat:       domain.CategoryTrades,
		batchSize: s.env.cfg.TradesBatchSize,
		fetch:     platform.FetchTrades,
		write:     s.env.store.UpsertTrades,
	})
	s.register(&pipeline[schema.PlatformUser]{
		cat:       domain.CategoryPlatformUsers,
		batchSize: s.env.cfg.UsersBatchSize,
		fetch:     platform.FetchPlatformUsers,
		write:     s.env.store.UpsertPlatformUsers,
	})
}

func (s *Syncer) register(p tableSyncer) {
	s.pipelines[p.category()] = p
}

// Categories returns the registered pipelines in sweep order
func (s *Syncer) Categories() []domain.JobCategory {
	cats := make([]domain.JobCategory, 0, len(s.pipelines))
	for _, cat := range sweepOrder {
		if _, ok := s.pipelines[cat]; ok {
			cats = append(cats, cat)
		}
	}
	return cats
}

// RunFull reloads one fact table from its source
func (s *Syncer) RunFull(ctx context.Context, category domain.JobCategory) error {
	return s.run(ctx, category, domain.SyncFull, func(ctx context.Context, p tableSyncer) (int64, error) {
		return p.runFull(ctx, s.env)
	})
}

// RunIncremental upserts recent changes into one fact table. The cutoff is
// now minus the configured lookback, which absorbs source clock skew and
// replica lag at the cost of re-upserting some already-synced rows.
func (s *Syncer) RunIncremental(ctx context.Context, category domain.JobCategory) error {
	since := s.env.clock.Now().UTC().Add(-s.env.cfg.Lookback)
	return s.run(ctx, category, domain.SyncIncremental, func(ctx context.Context, p tableSyncer) (int64, error) {
		return p.runIncremental(ctx, s.env, since)
	})
}

// RunFullSweep runs a full sync of every registered pipeline sequentially.
// A pipeline that is already running is skipped, not treated as a failure.
// A pipeline that fails has its error recorded in the ledger by run, so the
// sweep keeps going and the remaining tables still get their nightly reload;
// the combined failures are returned once every category has run.
func (s *Syncer) RunFullSweep(ctx context.Context) error {
	var failures []error
	for _, cat := range s.Categories() {
		if err := s.RunFull(ctx, cat); err != nil {
			if errors.Is(err, domain.ErrSyncAlreadyRunning) {
				continue
			}
			logger.ErrorCtx(ctx, err, zap.String("category", string(cat)))
			failures = append(failures, fmt.Errorf("%s: %w", cat, err))
		}
	}
	return errors.Join(failures...)
}

// TableStatus is the current state of one synced fact table
type TableStatus struct {
	Category domain.JobCategory
	Rows     int64
	// Freshest is the newest source timestamp in the table, nil when empty
	Freshest *time.Time
}

// StatusReport combines the recent ledger history with the current row
// counts and freshness of every registered fact table
type StatusReport struct {
	Jobs   []schema.SyncJob
	Tables []TableStatus
}

// SyncStatus builds an operational status report for downstream read paths
func (s *Syncer) SyncStatus(ctx context.Context, limit int) (*StatusReport, error) {
	jobs, err := s.env.store.RecentSyncJobs(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Jobs: jobs}
	for _, cat := range s.Categories() {
		rows, err := s.env.store.FactRowCount(ctx, cat)
		if err != nil {
			return nil, err
		}
		freshest, err := s.env.store.FactFreshness(ctx, cat)
		if err != nil {
			return nil, err
		}
		report.Tables = append(report.Tables, TableStatus{
			Category: cat,
			Rows:     rows,
			Freshest: freshest,
		})
	}
	return report, nil
}

func (s *Syncer) run(
	ctx context.Context,
	category domain.JobCategory,
	kind domain.SyncKind,
	exec func(ctx context.Context, p tableSyncer) (int64, error),
) error {
	p, ok := s.pipelines[category]
	if !ok {
		return domain.ErrSourceNotConfigured
	}

	runID := ulid.MustNewDefault(s.env.clock.Now()).String()
	job, err := s.env.store.StartSyncJob(ctx, category, kind, runID)
	if err != nil {
		if errors.Is(err, domain.ErrSyncAlreadyRunning) {
			logger.InfoCtx(ctx, "Sync already running, skipping",
				zap.String("category", string(category)),
				zap.String("kind", string(kind)),
			)
		}
		return err
	}

	logger.InfoCtx(ctx, "Sync started",
		zap.String("category", string(category)),
		zap.String("kind", string(kind)),
		zap.String("run_id", runID),
	)

	start := s.env.clock.Now()
	total, execErr := exec(ctx, p)

	// The terminal ledger write must survive context cancellation,
	// otherwise an aborted run leaves a running entry behind.
	ledgerCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		if failErr := s.env.store.FailSyncJob(ledgerCtx, job.ID, execErr.Error()); failErr != nil {
			logger.ErrorCtx(ledgerCtx, failErr, zap.Int64("job_id", job.ID))
		}
		logger.ErrorCtx(ledgerCtx, execErr,
			zap.String("category", string(category)),
			zap.String("kind", string(kind)),
			zap.String("run_id", runID),
			zap.Int64("rows_synced", total),
		)
		return execErr
	}

	if err := s.env.store.CompleteSyncJob(ledgerCtx, job.ID, total); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Sync completed",
		zap.String("category", string(category)),
		zap.String("kind", string(kind)),
		zap.String("run_id", runID),
		zap.Int64("rows_synced", total),
		zap.Duration("elapsed", s.env.clock.Since(start)),
	)
	return nil
}
