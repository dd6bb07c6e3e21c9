package aggregate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

func newTestQueryBuilder(t *testing.T) *QueryBuilder {
	qb, err := NewQueryBuilder("2020-01-01", 35)
	require.NoError(t, err)
	return qb
}

func TestNewQueryBuilderValidation(t *testing.T) {
	_, err := NewQueryBuilder("not-a-date", 35)
	assert.Error(t, err)

	_, err = NewQueryBuilder("2020-01-01'; DROP TABLE accounts; --", 35)
	assert.Error(t, err)

	_, err = NewQueryBuilder("2020-01-01", 0)
	assert.Error(t, err)
}

func TestBuildSelectShape(t *testing.T) {
	qb := newTestQueryBuilder(t)

	sql, skipped := qb.BuildSelect(nil)
	assert.Empty(t, skipped)

	for _, col := range []string{
		"trade_count", "total_profit", "last_trade_time", "last_close_time",
		"win_rate", "avg_trade_size", "deposit_count", "total_deposit",
		"last_deposit_time", "total_balance", "total_credit", "total_equity",
		"activity_trades", "activity_volume", "agent_name",
	} {
		assert.Contains(t, sql, col)
	}

	// qualifying accounts only
	assert.Contains(t, sql, "a.qualification_date IS NOT NULL")
	assert.Contains(t, sql, "a.qualification_date >= DATE '2020-01-01'")
	assert.Contains(t, sql, "NOT a.is_test_account")

	// buy/sell only, bookkeeping symbols excluded
	assert.Contains(t, sql, "tr.command IN (0, 1)")
	assert.Contains(t, sql, "%inactivity%")

	// approved non-cashback deposits only
	assert.Contains(t, sql, "x.transaction_type = 'Deposit'")
	assert.Contains(t, sql, "x.approval_status = 'Approved'")
	assert.Contains(t, sql, "<> 'Bonus Cashback'")
}

func TestBuildSelectExtraColumns(t *testing.T) {
	qb := newTestQueryBuilder(t)

	sql, skipped := qb.BuildSelect([]schema.ExtraColumn{
		{Name: "Total USD volume", SourceTable: "transactions", SourceColumn: "usd_amount", Aggregation: "sum"},
		{Name: "Biggest win", SourceTable: "trades", SourceColumn: "profit", Aggregation: "max"},
	})
	assert.Empty(t, skipped)
	assert.Contains(t, sql, "SUM(x.usd_amount) AS sum_usd_amount")
	assert.Contains(t, sql, "MAX(tr.profit) AS max_profit")
	assert.Contains(t, sql, "deposits.sum_usd_amount")
	assert.Contains(t, sql, "trades.max_profit")
}

func TestBuildSelectProfileExtraColumns(t *testing.T) {
	qb := newTestQueryBuilder(t)

	// the profile subquery only appears when something aggregates over it
	sql, skipped := qb.BuildSelect(nil)
	assert.Empty(t, skipped)
	assert.NotContains(t, sql, ") profile ON")

	sql, skipped = qb.BuildSelect([]schema.ExtraColumn{
		{Name: "Latest qualification", SourceTable: "accounts", SourceColumn: "qualification_date", Aggregation: "max"},
	})
	assert.Empty(t, skipped)
	assert.Contains(t, sql, "MAX(ac.qualification_date) AS max_qualification_date")
	assert.Contains(t, sql, "profile.max_qualification_date")
	assert.Contains(t, sql, ") profile ON profile.account_id = a.account_id")
}

func TestBuildSelectRejectsUnknownIdentifiers(t *testing.T) {
	qb := newTestQueryBuilder(t)

	malicious := []schema.ExtraColumn{
		{Name: "bad table", SourceTable: "pg_shadow", SourceColumn: "passwd", Aggregation: "max"},
		{Name: "bad column", SourceTable: "trades", SourceColumn: "profit); DROP TABLE accounts; --", Aggregation: "sum"},
		{Name: "bad agg", SourceTable: "trades", SourceColumn: "profit", Aggregation: "string_agg"},
	}

	sql, skipped := qb.BuildSelect(malicious)
	assert.Len(t, skipped, 3)
	assert.NotContains(t, sql, "pg_shadow")
	assert.NotContains(t, sql, "DROP TABLE")
	assert.NotContains(t, sql, "string_agg")

	// the rejected definitions do not change the query at all
	clean, _ := qb.BuildSelect(nil)
	assert.Equal(t, clean, sql)
}

func TestBuildSelectDuplicateExtraSkipped(t *testing.T) {
	qb := newTestQueryBuilder(t)

	sql, skipped := qb.BuildSelect([]schema.ExtraColumn{
		{Name: "first", SourceTable: "trades", SourceColumn: "profit", Aggregation: "sum"},
		{Name: "second", SourceTable: "trades", SourceColumn: "profit", Aggregation: "sum"},
	})
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0], "duplicate")
	assert.Equal(t, 1, strings.Count(sql, "SUM(tr.profit)"))
}

func TestBuildSelectActivityWindows(t *testing.T) {
	qb := newTestQueryBuilder(t)

	sql, _ := qb.BuildSelect(nil)
	assert.Contains(t, sql, "make_interval(days => 30)")
	assert.Contains(t, sql, "make_interval(days => 7)")
	assert.Contains(t, sql, "GREATEST(")
}
