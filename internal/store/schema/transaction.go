package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit aggregate filters applied over transactions
const (
	// TransactionTypeDeposit is the transaction type counted as a deposit
	TransactionTypeDeposit = "Deposit"
	// TransactionApproved is the approval status required for aggregation
	TransactionApproved = "Approved"
	// PaymentMethodBonusCashback is excluded from deposit aggregates
	PaymentMethodBonusCashback = "Bonus Cashback"
)

// Transaction mirrors the CRM money-transaction table (deposits,
// withdrawals, bonuses). Deposit aggregates only count approved deposits
// excluding the bonus-cashback method.
type Transaction struct {
	// TransactionID is the CRM transaction id, the natural key
	TransactionID  int64               `gorm:"column:transaction_id;primaryKey"`
	Login          *int64              `gorm:"column:login;index:ix_transactions_login"`
	Amount         decimal.NullDecimal `gorm:"column:amount;type:numeric(18,2)"`
	USDAmount      decimal.NullDecimal `gorm:"column:usd_amount;type:numeric(18,2)"`
	TransactionType *string            `gorm:"column:transaction_type;type:text"`
	ApprovalStatus *string             `gorm:"column:approval_status;type:text"`
	PaymentMethod  *string             `gorm:"column:payment_method;type:text"`
	ConfirmedAt    *time.Time          `gorm:"column:confirmed_at"`
	ModifiedTime   *time.Time          `gorm:"column:modified_time;index:ix_transactions_modified_time"`
}

// TableName specifies the table name for the Transaction model
func (Transaction) TableName() string {
	return "transactions"
}
