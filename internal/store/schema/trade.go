package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade command codes. Only buy and sell represent actual trading; higher
// codes are balance operations, credits and adjustments.
const (
	CommandBuy  = 0
	CommandSell = 1
)

// Trade mirrors the platform replica's closed-trade table. High volume:
// full syncs truncate immediately and page by ticket keyset.
type Trade struct {
	// Ticket is the platform's trade ticket number, the natural key
	Ticket int64 `gorm:"column:ticket;primaryKey"`
	// Login is the trading account the trade belongs to
	Login int64 `gorm:"column:login;not null;index:ix_trades_login;index:ix_trades_login_command,priority:1"`
	// Command is the order type (0 buy, 1 sell, others non-trading)
	Command int16 `gorm:"column:command;not null;index:ix_trades_login_command,priority:2"`
	// Profit is the realized profit as reported by the platform
	Profit decimal.NullDecimal `gorm:"column:profit;type:numeric(18,2)"`
	// ComputedProfit is the platform's currency-normalized profit
	ComputedProfit decimal.NullDecimal `gorm:"column:computed_profit;type:numeric(18,2)"`
	// NotionalValue is the trade's notional size, used by activity rates
	NotionalValue decimal.NullDecimal `gorm:"column:notional_value;type:numeric(18,2)"`
	// Symbol is the traded instrument; maintenance symbols (inactivity fees,
	// zeroing, spread adjustments) are excluded from trade aggregates
	Symbol       *string    `gorm:"column:symbol;type:text"`
	OpenTime     *time.Time `gorm:"column:open_time"`
	CloseTime    *time.Time `gorm:"column:close_time;index:ix_trades_close_time"`
	LastModified *time.Time `gorm:"column:last_modified;index:ix_trades_last_modified"`
}

// TableName specifies the table name for the Trade model
func (Trade) TableName() string {
	return "trades"
}
