package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformUser mirrors the platform replica's user table, reduced to the
// fields the aggregate view reads (equity is only available here, not in
// the CRM's trading-account table).
type PlatformUser struct {
	Login      int64               `gorm:"column:login;primaryKey"`
	Name       *string             `gorm:"column:name;type:text"`
	GroupName  *string             `gorm:"column:group_name;type:text"`
	Country    *string             `gorm:"column:country;type:text"`
	Balance    decimal.NullDecimal `gorm:"column:balance;type:numeric(18,2)"`
	Credit     decimal.NullDecimal `gorm:"column:credit;type:numeric(18,2)"`
	Equity     decimal.NullDecimal `gorm:"column:equity;type:numeric(18,2)"`
	AgentAccount *int64            `gorm:"column:agent_account"`
	RegDate    *time.Time          `gorm:"column:reg_date"`
	LastUpdate *time.Time          `gorm:"column:last_update;index:ix_platform_users_last_update"`
}

// TableName specifies the table name for the PlatformUser model
func (PlatformUser) TableName() string {
	return "platform_users"
}
