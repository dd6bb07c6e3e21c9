package schema

import "time"

// ScoringRule awards Points to every account whose catalog field satisfies
// the comparison. Rules are additive and order-independent.
type ScoringRule struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// Field is a key of the retention field catalog
	Field string `gorm:"column:field;not null;type:text"`
	// Operator is one of eq, gt, lt, gte, lte
	Operator string `gorm:"column:operator;not null;type:text"`
	// Value is the comparison value, kept as text like the admin stores it
	Value     string    `gorm:"column:value;not null;type:text"`
	Points    int       `gorm:"column:points;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName specifies the table name for the ScoringRule model
func (ScoringRule) TableName() string {
	return "scoring_rules"
}

// ClientScore is the accumulated score for one account, recomputed in full
// on every aggregate rebuild.
type ClientScore struct {
	AccountID  string    `gorm:"column:account_id;primaryKey;type:text"`
	Score      int       `gorm:"column:score;not null;default:0"`
	ComputedAt time.Time `gorm:"column:computed_at;not null"`
}

// TableName specifies the table name for the ClientScore model
func (ClientScore) TableName() string {
	return "client_scores"
}
