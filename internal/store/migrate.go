package store

import (
	"gorm.io/gorm"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// Migrate creates or updates every local table the engine owns. AutoMigrate
// is idempotent, so running it on every startup is safe; it never drops
// columns or data. The retention view is managed separately by
// RebuildRetentionView because its shape depends on runtime configuration.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&schema.Account{},
		&schema.TradingAccount{},
		&schema.Transaction{},
		&schema.CRMUser{},
		&schema.Trade{},
		&schema.PlatformUser{},
		&schema.SyncJob{},
		&schema.ExtraColumn{},
		&schema.ScoringRule{},
		&schema.ClientScore{},
		&schema.RetentionTask{},
		&schema.TaskAssignment{},
	)
	if err != nil {
		return err
	}

	// At most one running ledger entry per category. This index, not any
	// application-level check, is what makes StartSyncJob's mutual
	// exclusion hold under concurrent starts.
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_sync_jobs_running_category " +
			"ON sync_jobs (category) WHERE status = 'running'",
	).Error
}
