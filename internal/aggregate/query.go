package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// nonTradingSymbolFilter excludes bookkeeping rows the platform records as
// trades: inactivity fees, balance zeroing and spread adjustments
const nonTradingSymbolFilter = "COALESCE(tr.symbol, '') NOT ILIKE ALL (ARRAY['%inactivity%', '%zeroing%', '%spread%'])"

// column is one projected expression, aliased into the result shape
type column struct {
	name string
	expr string
}

// join is one join node of a subquery
type join struct {
	kind  string
	table string
	on    string
}

// aggQuery is one GROUP BY subquery node of the view query. Everything in
// it is assembled from fixed strings and allow-listed identifiers.
type aggQuery struct {
	alias   string
	from    string
	joins   []join
	where   []string
	groupBy string
	columns []column
}

func (q *aggQuery) render() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(q.groupBy)
	sb.WriteString(" AS account_id")
	for _, c := range q.columns {
		sb.WriteString(", ")
		sb.WriteString(c.expr)
		sb.WriteString(" AS ")
		sb.WriteString(c.name)
	}
	sb.WriteString(" FROM ")
	sb.WriteString(q.from)
	for _, j := range q.joins {
		sb.WriteString(" ")
		sb.WriteString(j.kind)
		sb.WriteString(" ")
		sb.WriteString(j.table)
		sb.WriteString(" ON ")
		sb.WriteString(j.on)
	}
	if len(q.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.where, " AND "))
	}
	sb.WriteString(" GROUP BY ")
	sb.WriteString(q.groupBy)
	return sb.String()
}

// extraAggregations is the allow-list of aggregation functions an extra
// column may use
var extraAggregations = map[string]string{
	"sum":   "SUM",
	"avg":   "AVG",
	"min":   "MIN",
	"max":   "MAX",
	"count": "COUNT",
}

// extraTable describes one fact table admins may aggregate over: which
// subquery hosts it, the column prefix inside that subquery, and the
// columns that may be referenced. Identifiers never come from admin input;
// a definition either matches this registry exactly or is skipped.
type extraTable struct {
	subquery string
	prefix   string
	columns  map[string]bool
}

var extraTables = map[string]extraTable{
	"trades": {
		subquery: "trades",
		prefix:   "tr",
		columns: map[string]bool{
			"profit":          true,
			"computed_profit": true,
			"notional_value":  true,
			"open_time":       true,
			"close_time":      true,
			"ticket":          true,
		},
	},
	"transactions": {
		subquery: "deposits",
		prefix:   "x",
		columns: map[string]bool{
			"amount":         true,
			"usd_amount":     true,
			"confirmed_at":   true,
			"transaction_id": true,
		},
	},
	"trading_accounts": {
		subquery: "balances",
		prefix:   "ta",
		columns: map[string]bool{
			"balance": true,
			"credit":  true,
			"login":   true,
		},
	},
	"accounts": {
		subquery: "profile",
		prefix:   "ac",
		columns: map[string]bool{
			"qualification_date": true,
			"birth_date":         true,
			"modified_time":      true,
			"sales_potential":    true,
		},
	},
}

// QueryBuilder assembles the retention view's SELECT from fixed aggregate
// nodes plus validated extra columns
type QueryBuilder struct {
	qualificationCutoff string
	activityWindowDays  int
}

// NewQueryBuilder validates the configured qualification cutoff date
// (YYYY-MM-DD) before it is ever embedded in view DDL
func NewQueryBuilder(qualificationCutoff string, activityWindowDays int) (*QueryBuilder, error) {
	if _, err := time.Parse("2006-01-02", qualificationCutoff); err != nil {
		return nil, fmt.Errorf("invalid qualification cutoff %q: %w", qualificationCutoff, err)
	}
	if activityWindowDays <= 0 {
		return nil, fmt.Errorf("activity window must be positive, got %d", activityWindowDays)
	}
	return &QueryBuilder{
		qualificationCutoff: qualificationCutoff,
		activityWindowDays:  activityWindowDays,
	}, nil
}

// BuildSelect renders the full view SELECT. Extra columns that fail
// allow-list validation are skipped and reported back, never interpolated.
func (b *QueryBuilder) BuildSelect(extras []schema.ExtraColumn) (string, []string) {
	nodes := map[string]*aggQuery{
		"trades":   b.tradeAggregates(),
		"deposits": b.depositAggregates(),
		"balances": b.balanceAggregates(),
		"activity": b.activityAggregates(),
		"profile":  b.profileAggregates(),
	}

	usedNames := map[string]bool{
		"account_id": true, "full_name": true, "qualification_date": true,
		"birth_date": true, "sales_potential": true, "assigned_to": true,
		"agent_name": true, "trade_count": true, "total_profit": true,
		"last_trade_time": true, "last_close_time": true, "win_rate": true,
		"avg_trade_size": true, "deposit_count": true, "total_deposit": true,
		"last_deposit_time": true, "total_balance": true, "total_credit": true,
		"total_equity": true, "activity_trades": true, "activity_volume": true,
	}

	var skipped []string
	var extraNames []string
	for _, ec := range extras {
		tbl, ok := extraTables[ec.SourceTable]
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s: unknown source table %q", ec.Name, ec.SourceTable))
			continue
		}
		if !tbl.columns[ec.SourceColumn] {
			skipped = append(skipped, fmt.Sprintf("%s: unknown column %q in %q", ec.Name, ec.SourceColumn, ec.SourceTable))
			continue
		}
		aggFn, ok := extraAggregations[strings.ToLower(ec.Aggregation)]
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s: unknown aggregation %q", ec.Name, ec.Aggregation))
			continue
		}

		colName := fmt.Sprintf("%s_%s", strings.ToLower(ec.Aggregation), ec.SourceColumn)
		if usedNames[colName] {
			skipped = append(skipped, fmt.Sprintf("%s: duplicate view column %q", ec.Name, colName))
			continue
		}
		usedNames[colName] = true

		node := nodes[tbl.subquery]
		node.columns = append(node.columns, column{
			name: colName,
			expr: fmt.Sprintf("%s(%s.%s)", aggFn, tbl.prefix, ec.SourceColumn),
		})
		extraNames = append(extraNames, tbl.subquery+"."+colName)
	}

	var sb strings.Builder
	sb.WriteString("SELECT a.account_id, a.full_name, a.qualification_date, a.birth_date, a.sales_potential, a.assigned_to")
	sb.WriteString(", TRIM(CONCAT(cu.first_name, ' ', cu.last_name)) AS agent_name")
	sb.WriteString(", COALESCE(trades.trade_count, 0) AS trade_count")
	sb.WriteString(", COALESCE(trades.total_profit, 0) AS total_profit")
	sb.WriteString(", trades.last_trade_time, trades.last_close_time, trades.win_rate, trades.avg_trade_size")
	sb.WriteString(", COALESCE(deposits.deposit_count, 0) AS deposit_count")
	sb.WriteString(", COALESCE(deposits.total_deposit, 0) AS total_deposit")
	sb.WriteString(", deposits.last_deposit_time")
	sb.WriteString(", COALESCE(balances.total_balance, 0) AS total_balance")
	sb.WriteString(", COALESCE(balances.total_credit, 0) AS total_credit")
	sb.WriteString(", COALESCE(balances.total_equity, 0) AS total_equity")
	sb.WriteString(", COALESCE(activity.activity_trades, 0) AS activity_trades")
	sb.WriteString(", COALESCE(activity.activity_volume, 0) AS activity_volume")
	for _, name := range extraNames {
		sb.WriteString(", ")
		sb.WriteString(name)
	}

	sb.WriteString(" FROM accounts a")
	sb.WriteString(" LEFT JOIN crm_users cu ON cu.user_id = a.assigned_to AND NOT cu.deleted")
	for _, alias := range []string{"trades", "deposits", "balances", "activity", "profile"} {
		// the profile node carries no fixed columns and is only joined
		// when an extra column aggregates over the account profile
		if len(nodes[alias].columns) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf(" LEFT JOIN (%s) %s ON %s.account_id = a.account_id", nodes[alias].render(), alias, alias))
	}

	sb.WriteString(" WHERE a.qualification_date IS NOT NULL")
	sb.WriteString(fmt.Sprintf(" AND a.qualification_date >= DATE '%s'", b.qualificationCutoff))
	sb.WriteString(" AND NOT a.is_test_account")

	return sb.String(), skipped
}

func tradeBase() *aggQuery {
	return &aggQuery{
		from: schema.Trade{}.TableName() + " tr",
		joins: []join{{
			kind:  "JOIN",
			table: schema.TradingAccount{}.TableName() + " ta",
			on:    "ta.login = tr.login",
		}},
		where: []string{
			"tr.command IN (0, 1)",
			nonTradingSymbolFilter,
		},
		groupBy: "ta.account_id",
	}
}

// tradeAggregates summarizes real buy/sell trades per account
func (b *QueryBuilder) tradeAggregates() *aggQuery {
	q := tradeBase()
	q.alias = "trades"
	q.columns = []column{
		{name: "trade_count", expr: "COUNT(*)"},
		{name: "total_profit", expr: "COALESCE(SUM(tr.profit), 0)"},
		{name: "last_trade_time", expr: "MAX(tr.open_time)"},
		{name: "last_close_time", expr: "MAX(tr.close_time)"},
		{name: "avg_trade_size", expr: "AVG(tr.notional_value)"},
		{name: "win_rate", expr: "(COUNT(*) FILTER (WHERE tr.profit > 0))::numeric / COUNT(*)"},
	}
	return q
}

// activityAggregates normalizes trailing trade counts and notional volume
// to per-day rates over 7- and 30-day windows, keeping the greater rate so
// a recently reactivated account registers immediately
func (b *QueryBuilder) activityAggregates() *aggQuery {
	q := tradeBase()
	q.alias = "activity"
	short, long := 7, 30
	q.columns = []column{
		{
			name: "activity_trades",
			expr: fmt.Sprintf(
				"GREATEST((COUNT(*) FILTER (WHERE tr.close_time > CURRENT_DATE - make_interval(days => %d)))::numeric / %d.0"+
					", (COUNT(*) FILTER (WHERE tr.close_time > CURRENT_DATE - make_interval(days => %d)))::numeric / %d.0)",
				long, long, short, short,
			),
		},
		{
			name: "activity_volume",
			expr: fmt.Sprintf(
				"GREATEST(COALESCE(SUM(tr.notional_value) FILTER (WHERE tr.close_time > CURRENT_DATE - make_interval(days => %d)), 0) / %d.0"+
					", COALESCE(SUM(tr.notional_value) FILTER (WHERE tr.close_time > CURRENT_DATE - make_interval(days => %d)), 0) / %d.0)",
				long, long, short, short,
			),
		},
	}
	return q
}

// depositAggregates summarizes approved deposits per account, excluding the
// bonus-cashback payment method the platform books as deposits
func (b *QueryBuilder) depositAggregates() *aggQuery {
	return &aggQuery{
		alias: "deposits",
		from:  schema.Transaction{}.TableName() + " x",
		joins: []join{{
			kind:  "JOIN",
			table: schema.TradingAccount{}.TableName() + " ta",
			on:    "ta.login = x.login",
		}},
		where: []string{
			fmt.Sprintf("x.transaction_type = '%s'", schema.TransactionTypeDeposit),
			fmt.Sprintf("x.approval_status = '%s'", schema.TransactionApproved),
			fmt.Sprintf("COALESCE(x.payment_method, '') <> '%s'", schema.PaymentMethodBonusCashback),
		},
		groupBy: "ta.account_id",
		columns: []column{
			{name: "deposit_count", expr: "COUNT(*)"},
			{name: "total_deposit", expr: "COALESCE(SUM(x.usd_amount), 0)"},
			{name: "last_deposit_time", expr: "MAX(x.confirmed_at)"},
		},
	}
}

// profileAggregates exposes the account profile table as an extra-column
// source. One row per account already, so the aggregation is degenerate,
// but it keeps profile columns behind the same allow-list machinery.
func (b *QueryBuilder) profileAggregates() *aggQuery {
	return &aggQuery{
		alias:   "profile",
		from:    schema.Account{}.TableName() + " ac",
		groupBy: "ac.account_id",
	}
}

// balanceAggregates sums balance and credit across an account's trading
// accounts, with live equity joined in from the platform user snapshot
func (b *QueryBuilder) balanceAggregates() *aggQuery {
	return &aggQuery{
		alias: "balances",
		from:  schema.TradingAccount{}.TableName() + " ta",
		joins: []join{{
			kind:  "LEFT JOIN",
			table: schema.PlatformUser{}.TableName() + " pu",
			on:    "pu.login = ta.login",
		}},
		groupBy: "ta.account_id",
		columns: []column{
			{name: "total_balance", expr: "COALESCE(SUM(ta.balance), 0)"},
			{name: "total_credit", expr: "COALESCE(SUM(ta.credit), 0)"},
			{name: "total_equity", expr: "COALESCE(SUM(pu.equity), 0)"},
		},
	}
}
