package schema

import "time"

// ExtraColumn is an admin-defined aggregate column merged into the
// retention view at rebuild time. SourceTable and SourceColumn are
// validated against a server-side allow-list before any SQL is assembled;
// definitions that fail validation are skipped, never interpolated.
type ExtraColumn struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Name is the display name shown by the admin surface
	Name string `gorm:"column:name;not null;type:text"`
	// SourceTable is a fact table from the allow-list
	SourceTable string `gorm:"column:source_table;not null;type:text"`
	// SourceColumn is a column of SourceTable, also the view column name
	SourceColumn string `gorm:"column:source_column;not null;type:text"`
	// Aggregation is one of sum, avg, min, max, count
	Aggregation string    `gorm:"column:aggregation;not null;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName specifies the table name for the ExtraColumn model
func (ExtraColumn) TableName() string {
	return "extra_columns"
}
