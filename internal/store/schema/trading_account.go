package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingAccount mirrors the CRM trading-account table. It is the bridge
// between platform logins and CRM accounts: trade and deposit aggregates
// roll up to the account through it.
type TradingAccount struct {
	// Login is the platform login number, the natural key
	Login int64 `gorm:"column:login;primaryKey"`
	// AccountID links the login to its owning CRM account
	AccountID    *string             `gorm:"column:account_id;type:text;index:ix_trading_accounts_account_id"`
	Balance      decimal.NullDecimal `gorm:"column:balance;type:numeric(18,2)"`
	Credit       decimal.NullDecimal `gorm:"column:credit;type:numeric(18,2)"`
	ModifiedTime *time.Time          `gorm:"column:modified_time;index:ix_trading_accounts_modified_time"`
}

// TableName specifies the table name for the TradingAccount model
func (TradingAccount) TableName() string {
	return "trading_accounts"
}
