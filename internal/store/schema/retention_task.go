package schema

import (
	"time"

	"gorm.io/datatypes"
)

// RetentionTask is a named, AND-combined condition set evaluated against
// the retention view. Conditions are stored as a JSON array of
// {column, op, value} objects.
type RetentionTask struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;not null;type:text"`
	// Conditions parses into []aggregate.Condition; a task whose JSON fails
	// to parse is skipped during recomputation rather than aborting it
	Conditions datatypes.JSON `gorm:"column:conditions;not null"`
	Color      string         `gorm:"column:color;not null;default:grey;type:text"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName specifies the table name for the RetentionTask model
func (RetentionTask) TableName() string {
	return "retention_tasks"
}

// TaskAssignment is one derived account-task membership row. The table is
// truncated and rewritten on every recomputation.
type TaskAssignment struct {
	AccountID string `gorm:"column:account_id;primaryKey;type:text"`
	TaskID    int64  `gorm:"column:task_id;primaryKey"`
}

// TableName specifies the table name for the TaskAssignment model
func (TaskAssignment) TableName() string {
	return "task_assignments"
}
