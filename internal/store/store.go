package store

import (
	"context"
	"time"

	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// Store defines the interface for local database operations
type Store interface {
	// --- sync ledger ---

	// IsSyncRunning reports whether any running entry matches the category prefix
	IsSyncRunning(ctx context.Context, categoryPrefix string) (bool, error)
	// IsFullSyncRunning reports whether any full-sync entry is running
	IsFullSyncRunning(ctx context.Context) (bool, error)
	// StartSyncJob inserts a running ledger entry, or returns
	// domain.ErrSyncAlreadyRunning when the category already has one
	StartSyncJob(ctx context.Context, category domain.JobCategory, kind domain.SyncKind, runID string) (*schema.SyncJob, error)
	// CompleteSyncJob marks a job completed with its row count
	CompleteSyncJob(ctx context.Context, jobID int64, rowsSynced int64) error
	// FailSyncJob marks a job errored with a human-readable message
	FailSyncJob(ctx context.Context, jobID int64, message string) error
	// RecoverOrphanSyncJobs flips running entries left by a crash to error;
	// called once at startup before the scheduler starts
	RecoverOrphanSyncJobs(ctx context.Context) (int64, error)
	// RecentSyncJobs returns the latest ledger entries, newest first
	RecentSyncJobs(ctx context.Context, limit int) ([]schema.SyncJob, error)

	// --- fact tables ---

	UpsertAccounts(ctx context.Context, rows []schema.Account) error
	UpsertTradingAccounts(ctx context.Context, rows []schema.TradingAccount) error
	UpsertTransactions(ctx context.Context, rows []schema.Transaction) error
	UpsertCRMUsers(ctx context.Context, rows []schema.CRMUser) error
	UpsertTrades(ctx context.Context, rows []schema.Trade) error
	UpsertPlatformUsers(ctx context.Context, rows []schema.PlatformUser) error
	// TruncateFactTable empties the fact table behind a job category
	TruncateFactTable(ctx context.Context, category domain.JobCategory) error
	// FactRowCount returns the current row count of a fact table
	FactRowCount(ctx context.Context, category domain.JobCategory) (int64, error)
	// FactFreshness returns the newest source timestamp in a fact table,
	// nil when the table is empty
	FactFreshness(ctx context.Context, category domain.JobCategory) (*time.Time, error)

	// --- configuration snapshots ---

	ListExtraColumns(ctx context.Context) ([]schema.ExtraColumn, error)
	ListScoringRules(ctx context.Context) ([]schema.ScoringRule, error)
	ListRetentionTasks(ctx context.Context) ([]schema.RetentionTask, error)

	// --- retention view ---

	// RebuildRetentionView drops and recreates the view from selectSQL
	// without populating it, then recreates the unique account-id index
	RebuildRetentionView(ctx context.Context, selectSQL string) error
	// RefreshRetentionView refreshes the view, concurrently when requested
	RefreshRetentionView(ctx context.Context, concurrently bool) error
	// RetentionViewState reports whether the view exists and is populated
	RetentionViewState(ctx context.Context) (exists bool, populated bool, err error)
	// SelectViewAccountIDs returns account ids from the view matching the
	// parameterized condition; surfaces domain.ErrViewNotPopulated
	SelectViewAccountIDs(ctx context.Context, condSQL string, args ...interface{}) ([]string, error)

	// --- derived stores ---

	// ReplaceClientScores upserts the full score set in one transaction
	ReplaceClientScores(ctx context.Context, scores []schema.ClientScore) error
	// TruncateTaskAssignments empties the assignment store
	TruncateTaskAssignments(ctx context.Context) error
	// InsertTaskAssignments inserts one row per view account matching the
	// parameterized condition, returning the number inserted
	InsertTaskAssignments(ctx context.Context, taskID int64, condSQL string, args ...interface{}) (int64, error)
	// AssignmentsForTask returns the account ids currently assigned to a task
	AssignmentsForTask(ctx context.Context, taskID int64) ([]string, error)
}
