package schema

import (
	"time"

	"github.com/clearviewfx/retention-engine/internal/domain"
)

// SyncJob is one entry in the sync ledger. The ledger is the engine's only
// mutual-exclusion mechanism: at most one entry per category may be running
// at a time, and orphaned running entries are flipped to error at startup.
type SyncJob struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Category names the fact table pipeline (e.g. "trades")
	Category domain.JobCategory `gorm:"column:category;not null;type:text;index:ix_sync_jobs_category_status,priority:1"`
	// Kind is full or incremental
	Kind domain.SyncKind `gorm:"column:kind;not null;type:text"`
	// Status is running, completed or error
	Status domain.JobStatus `gorm:"column:status;not null;type:text;index:ix_sync_jobs_category_status,priority:2"`
	// RunID is a ULID correlating ledger entries with log lines
	RunID string `gorm:"column:run_id;not null;type:text"`
	// StartedAt is when the run began
	StartedAt time.Time `gorm:"column:started_at;not null"`
	// CompletedAt is when the run reached a terminal state
	CompletedAt *time.Time `gorm:"column:completed_at"`
	// RowsSynced is the number of rows written by a completed run
	RowsSynced *int64 `gorm:"column:rows_synced"`
	// ErrorMessage is the human-readable failure reason for error runs
	ErrorMessage *string `gorm:"column:error_message;type:text"`
}

// TableName specifies the table name for the SyncJob model
func (SyncJob) TableName() string {
	return "sync_jobs"
}
