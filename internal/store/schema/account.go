package schema

import "time"

// Account mirrors the CRM account profile table. One row per CRM account,
// keyed by the CRM's own account id. An account qualifies for retention
// tracking when QualificationDate is set and IsTestAccount is false.
type Account struct {
	// AccountID is the CRM's stable account identifier
	AccountID string `gorm:"column:account_id;primaryKey;type:text"`
	// QualificationDate is the date the account entered the retention funnel
	QualificationDate *time.Time `gorm:"column:qualification_date;type:date;index:ix_accounts_qualification_date"`
	// ModifiedTime is the source-provided last-modified timestamp, used by
	// incremental syncs
	ModifiedTime *time.Time `gorm:"column:modified_time;index:ix_accounts_modified_time"`
	// IsTestAccount flags internal/demo accounts that never qualify
	IsTestAccount bool `gorm:"column:is_test_account;not null;default:false"`
	// SalesPotential is a free-text potential grade kept as the CRM stores it
	SalesPotential *string `gorm:"column:sales_potential;type:text"`
	// AssignedTo is the CRM user id of the owning agent
	AssignedTo *string `gorm:"column:assigned_to;type:text"`
	BirthDate  *time.Time `gorm:"column:birth_date;type:date"`
	FullName   *string    `gorm:"column:full_name;type:text"`
}

// TableName specifies the table name for the Account model
func (Account) TableName() string {
	return "accounts"
}
