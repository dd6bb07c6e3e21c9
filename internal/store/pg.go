package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. It accesses the underlying *sql.DB and sets the pool
// configuration. Zero values fall back to the defaults applied by
// NormalizeConnectionPoolSettings.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings
// into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// calculateSafeBatchSize computes the batch size for bulk upserts to avoid
// PostgreSQL's "extended protocol limited to 65535 parameters" error.
// Each record consumes one parameter per field, and the ON CONFLICT clause
// plus GORM bookkeeping add batch-level overhead, covered by a flat headroom.
func calculateSafeBatchSize(totalRecords int, fieldsPerRecord int) int {
	const maxParams = 65535
	const totalHeadroom = 1000

	availableParams := maxParams - totalHeadroom
	safeBatchSize := max(availableParams/fieldsPerRecord, 1)

	if safeBatchSize > totalRecords {
		return totalRecords
	}

	return safeBatchSize
}

// factTables maps job categories to the local fact tables they fill. It is
// the only source of table names interpolated into raw statements.
var factTables = map[domain.JobCategory]string{
	domain.CategoryAccounts:        schema.Account{}.TableName(),
	domain.CategoryTradingAccounts: schema.TradingAccount{}.TableName(),
	domain.CategoryTransactions:    schema.Transaction{}.TableName(),
	domain.CategoryCRMUsers:        schema.CRMUser{}.TableName(),
	domain.CategoryTrades:          schema.Trade{}.TableName(),
	domain.CategoryPlatformUsers:   schema.PlatformUser{}.TableName(),
}

// factTimestamps maps job categories to the source-provided last-modified
// column of their fact table
var factTimestamps = map[domain.JobCategory]string{
	domain.CategoryAccounts:        "modified_time",
	domain.CategoryTradingAccounts: "modified_time",
	domain.CategoryTransactions:    "modified_time",
	domain.CategoryCRMUsers:        "modified_time",
	domain.CategoryTrades:          "last_modified",
	domain.CategoryPlatformUsers:   "last_update",
}

// IsSyncRunning reports whether any running ledger entry matches the
// category prefix. An empty prefix matches every category.
func (s *pgStore) IsSyncRunning(ctx context.Context, categoryPrefix string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&schema.SyncJob{}).
		Where("status = ? AND category LIKE ?", domain.JobRunning, categoryPrefix+"%").
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check running syncs: %w", err)
	}
	return count > 0, nil
}

// IsFullSyncRunning reports whether any full-sync ledger entry is running
func (s *pgStore) IsFullSyncRunning(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&schema.SyncJob{}).
		Where("status = ? AND kind = ?", domain.JobRunning, domain.SyncFull).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check running full syncs: %w", err)
	}
	return count > 0, nil
}

// StartSyncJob inserts a running ledger entry for the category. The partial
// unique index on running entries admits at most one per category, so of
// two concurrent starts exactly one insert commits and the loser surfaces
// as ErrSyncAlreadyRunning.
func (s *pgStore) StartSyncJob(ctx context.Context, category domain.JobCategory, kind domain.SyncKind, runID string) (*schema.SyncJob, error) {
	job := schema.SyncJob{
		Category:  category,
		Kind:      kind,
		Status:    domain.JobRunning,
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrSyncAlreadyRunning
		}
		return nil, fmt.Errorf("failed to start sync job: %w", err)
	}
	return &job, nil
}

// CompleteSyncJob marks a ledger entry completed with its row count
func (s *pgStore) CompleteSyncJob(ctx context.Context, jobID int64, rowsSynced int64) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&schema.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       domain.JobCompleted,
			"completed_at": now,
			"rows_synced":  rowsSynced,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete sync job %d: %w", jobID, err)
	}
	return nil
}

// FailSyncJob marks a ledger entry errored with a human-readable message
func (s *pgStore) FailSyncJob(ctx context.Context, jobID int64, message string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&schema.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        domain.JobError,
			"completed_at":  now,
			"error_message": message,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to fail sync job %d: %w", jobID, err)
	}
	return nil
}

// RecoverOrphanSyncJobs flips every running ledger entry to error. It runs
// once at startup, before the scheduler exists, so anything still marked
// running was left behind by a crash of the previous process.
func (s *pgStore) RecoverOrphanSyncJobs(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&schema.SyncJob{}).
		Where("status = ?", domain.JobRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobError,
			"completed_at":  now,
			"error_message": "interrupted by restart",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover orphan sync jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecentSyncJobs returns the latest ledger entries, newest first
func (s *pgStore) RecentSyncJobs(ctx context.Context, limit int) ([]schema.SyncJob, error) {
	var jobs []schema.SyncJob
	err := s.db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sync jobs: %w", err)
	}
	return jobs, nil
}

// upsertRows writes a page of source rows with insert-or-update semantics.
// Re-upserting the same page is a no-op beyond refreshing column values.
func upsertRows[T any](ctx context.Context, db *gorm.DB, rows []T, fieldsPerRow int) error {
	if len(rows) == 0 {
		return nil
	}
	batchSize := calculateSafeBatchSize(len(rows), fieldsPerRow)
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, batchSize).Error
}

func (s *pgStore) UpsertAccounts(ctx context.Context, rows []schema.Account) error {
	if err := upsertRows(ctx, s.db, rows, 8); err != nil {
		return fmt.Errorf("failed to upsert accounts: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertTradingAccounts(ctx context.Context, rows []schema.TradingAccount) error {
	if err := upsertRows(ctx, s.db, rows, 5); err != nil {
		return fmt.Errorf("failed to upsert trading accounts: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertTransactions(ctx context.Context, rows []schema.Transaction) error {
	if err := upsertRows(ctx, s.db, rows, 9); err != nil {
		return fmt.Errorf("failed to upsert transactions: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertCRMUsers(ctx context.Context, rows []schema.CRMUser) error {
	if err := upsertRows(ctx, s.db, rows, 7); err != nil {
		return fmt.Errorf("failed to upsert crm users: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertTrades(ctx context.Context, rows []schema.Trade) error {
	if err := upsertRows(ctx, s.db, rows, 10); err != nil {
		return fmt.Errorf("failed to upsert trades: %w", err)
	}
	return nil
}

func (s *pgStore) UpsertPlatformUsers(ctx context.Context, rows []schema.PlatformUser) error {
	if err := upsertRows(ctx, s.db, rows, 10); err != nil {
		return fmt.Errorf("failed to upsert platform users: %w", err)
	}
	return nil
}

// TruncateFactTable empties the fact table behind a job category. DELETE is
// used instead of TRUNCATE so the statement participates in the caller's
// transaction semantics and works against every supported dialect.
func (s *pgStore) TruncateFactTable(ctx context.Context, category domain.JobCategory) error {
	table, ok := factTables[category]
	if !ok {
		return fmt.Errorf("no fact table for category %q", category)
	}
	if err := s.db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	return nil
}

// FactRowCount returns the current row count of a category's fact table
func (s *pgStore) FactRowCount(ctx context.Context, category domain.JobCategory) (int64, error) {
	table, ok := factTables[category]
	if !ok {
		return 0, fmt.Errorf("no fact table for category %q", category)
	}
	var count int64
	if err := s.db.WithContext(ctx).Table(table).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// FactFreshness returns the newest source-provided timestamp in a
// category's fact table, nil when the table is empty
func (s *pgStore) FactFreshness(ctx context.Context, category domain.JobCategory) (*time.Time, error) {
	table, ok := factTables[category]
	if !ok {
		return nil, fmt.Errorf("no fact table for category %q", category)
	}
	var row struct {
		Freshest *time.Time `gorm:"column:freshest"`
	}
	query := fmt.Sprintf("SELECT MAX(%s) AS freshest FROM %s", factTimestamps[category], table)
	if err := s.db.WithContext(ctx).Raw(query).Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to read freshness of %s: %w", table, err)
	}
	return row.Freshest, nil
}

// ListExtraColumns returns the admin-defined aggregate columns, oldest first
func (s *pgStore) ListExtraColumns(ctx context.Context) ([]schema.ExtraColumn, error) {
	var cols []schema.ExtraColumn
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&cols).Error; err != nil {
		return nil, fmt.Errorf("failed to list extra columns: %w", err)
	}
	return cols, nil
}

// ListScoringRules returns the configured scoring rules, oldest first
func (s *pgStore) ListScoringRules(ctx context.Context) ([]schema.ScoringRule, error) {
	var rules []schema.ScoringRule
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list scoring rules: %w", err)
	}
	return rules, nil
}

// ListRetentionTasks returns the configured retention tasks, oldest first
func (s *pgStore) ListRetentionTasks(ctx context.Context) ([]schema.RetentionTask, error) {
	var tasks []schema.RetentionTask
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list retention tasks: %w", err)
	}
	return tasks, nil
}

// RebuildRetentionView drops and recreates the materialized view from
// selectSQL without populating it, then recreates the unique account-id
// index required for concurrent refreshes. selectSQL is assembled by the
// aggregate query builder from catalog entries only, never from user input.
func (s *pgStore) RebuildRetentionView(ctx context.Context, selectSQL string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP MATERIALIZED VIEW IF EXISTS " + schema.RetentionView).Error; err != nil {
			return fmt.Errorf("failed to drop retention view: %w", err)
		}
		createSQL := fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS %s WITH NO DATA", schema.RetentionView, selectSQL)
		if err := tx.Exec(createSQL).Error; err != nil {
			return fmt.Errorf("failed to create retention view: %w", err)
		}
		indexSQL := fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (account_id)", schema.RetentionViewIndex, schema.RetentionView)
		if err := tx.Exec(indexSQL).Error; err != nil {
			return fmt.Errorf("failed to index retention view: %w", err)
		}
		return nil
	})
}

// RefreshRetentionView repopulates the materialized view. A concurrent
// refresh keeps the old contents readable while the new ones build, but
// requires the view to have been populated at least once. Both statements
// run on one pooled connection because REFRESH CONCURRENTLY cannot run
// inside a transaction block.
func (s *pgStore) RefreshRetentionView(ctx context.Context, concurrently bool) error {
	refreshSQL := "REFRESH MATERIALIZED VIEW " + schema.RetentionView
	if concurrently {
		refreshSQL = "REFRESH MATERIALIZED VIEW CONCURRENTLY " + schema.RetentionView
	}
	return s.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		if err := tx.Exec("SET work_mem = '256MB'").Error; err != nil {
			return fmt.Errorf("failed to raise work_mem: %w", err)
		}
		defer tx.Exec("RESET work_mem")
		if err := tx.Exec(refreshSQL).Error; err != nil {
			return fmt.Errorf("failed to refresh retention view: %w", err)
		}
		return nil
	})
}

// RetentionViewState reports whether the materialized view exists and
// whether it has been populated at least once.
func (s *pgStore) RetentionViewState(ctx context.Context) (bool, bool, error) {
	var row struct {
		IsPopulated bool
	}
	res := s.db.WithContext(ctx).
		Raw("SELECT ispopulated AS is_populated FROM pg_matviews WHERE matviewname = ?", schema.RetentionView).
		Scan(&row)
	if res.Error != nil {
		return false, false, fmt.Errorf("failed to inspect retention view state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, false, nil
	}
	return true, row.IsPopulated, nil
}

// viewNotPopulated recognizes Postgres rejecting a scan of a materialized
// view created WITH NO DATA (SQLSTATE 55000).
func viewNotPopulated(err error) bool {
	return err != nil && strings.Contains(err.Error(), "has not been populated")
}

// SelectViewAccountIDs returns the account ids of view rows matching the
// parameterized condition. An empty condition matches every row.
func (s *pgStore) SelectViewAccountIDs(ctx context.Context, condSQL string, args ...interface{}) ([]string, error) {
	query := "SELECT account_id FROM " + schema.RetentionView
	if condSQL != "" {
		query += " WHERE " + condSQL
	}
	var ids []string
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&ids).Error; err != nil {
		if viewNotPopulated(err) {
			return nil, domain.ErrViewNotPopulated
		}
		return nil, fmt.Errorf("failed to select view account ids: %w", err)
	}
	return ids, nil
}

// ReplaceClientScores upserts the full score set in one transaction.
// Accounts that left the view keep their last computed score.
func (s *pgStore) ReplaceClientScores(ctx context.Context, scores []schema.ClientScore) error {
	if len(scores) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batchSize := calculateSafeBatchSize(len(scores), 3)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			CreateInBatches(scores, batchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace client scores: %w", err)
	}
	return nil
}

// TruncateTaskAssignments empties the derived assignment store
func (s *pgStore) TruncateTaskAssignments(ctx context.Context) error {
	err := s.db.WithContext(ctx).Exec("DELETE FROM " + schema.TaskAssignment{}.TableName()).Error
	if err != nil {
		return fmt.Errorf("failed to truncate task assignments: %w", err)
	}
	return nil
}

// InsertTaskAssignments inserts one assignment row per view account
// matching the parameterized condition, returning the number inserted.
// The membership query runs entirely inside the database so no account id
// set is ever materialized in the engine.
func (s *pgStore) InsertTaskAssignments(ctx context.Context, taskID int64, condSQL string, args ...interface{}) (int64, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (account_id, task_id) SELECT account_id, ? FROM %s",
		schema.TaskAssignment{}.TableName(), schema.RetentionView,
	)
	allArgs := append([]interface{}{taskID}, args...)
	if condSQL == "" {
		// sqlite cannot parse ON CONFLICT directly after an
		// INSERT ... SELECT without a WHERE clause
		condSQL = "true"
	}
	query += " WHERE " + condSQL
	query += " ON CONFLICT DO NOTHING"

	res := s.db.WithContext(ctx).Exec(query, allArgs...)
	if res.Error != nil {
		if viewNotPopulated(res.Error) {
			return 0, domain.ErrViewNotPopulated
		}
		return 0, fmt.Errorf("failed to insert task assignments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AssignmentsForTask returns the account ids currently assigned to a task
func (s *pgStore) AssignmentsForTask(ctx context.Context, taskID int64) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&schema.TaskAssignment{}).
		Where("task_id = ?", taskID).
		Order("account_id ASC").
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments for task %d: %w", taskID, err)
	}
	return ids, nil
}
