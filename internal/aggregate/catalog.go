package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/datatypes"

	"github.com/clearviewfx/retention-engine/internal/domain"
)

// Condition is one field comparison from a retention task's condition list
type Condition struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

// ParseConditions decodes a task's stored condition JSON
func ParseConditions(raw datatypes.JSON) ([]Condition, error) {
	var conds []Condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, fmt.Errorf("malformed condition list: %w", err)
	}
	return conds, nil
}

// operators maps the stored comparison operators to SQL
var operators = map[string]string{
	"eq":  "=",
	"gt":  ">",
	"lt":  "<",
	"gte": ">=",
	"lte": "<=",
}

// Catalog resolves field names used by scoring rules and task conditions to
// SQL expressions over the retention view. It is the single authority on
// which fields exist: every expression here is a fixed string owned by this
// package, so nothing admin-submitted is ever interpolated into SQL.
type Catalog struct {
	fields    map[string]string
	active    string
	activeFTD string
}

// NewCatalog builds the field catalog for the given activity window.
// activityWindowDays comes from configuration, never from admin input.
func NewCatalog(activityWindowDays int) *Catalog {
	active := fmt.Sprintf(
		"COALESCE(last_trade_time > CURRENT_DATE - make_interval(days => %d)"+
			" OR last_deposit_time > CURRENT_DATE - make_interval(days => %d), false)",
		activityWindowDays, activityWindowDays,
	)
	activeFTD := fmt.Sprintf(
		"(qualification_date > CURRENT_DATE - INTERVAL '7 days' AND %s)", active,
	)

	return &Catalog{
		active:    active,
		activeFTD: activeFTD,
		fields: map[string]string{
			"balance":              "total_balance",
			"credit":               "total_credit",
			"equity":               "total_equity",
			"trade_count":          "trade_count",
			"total_profit":         "total_profit",
			"deposit_count":        "deposit_count",
			"total_deposit":        "total_deposit",
			"win_rate":             "win_rate",
			"avg_trade_size":       "avg_trade_size",
			"activity_trades":      "activity_trades",
			"activity_volume":      "activity_volume",
			"days_in_retention":    "(CURRENT_DATE - qualification_date)",
			"days_from_last_trade": "(CURRENT_DATE - last_trade_time::date)",
			"sales_potential":      "NULLIF(TRIM(sales_potential), '')::numeric",
			"age":                  "EXTRACT(year FROM AGE(birth_date))::numeric",
			"assigned_to":          "assigned_to",
			"live_equity":          "(total_balance + total_credit)",
			"turnover": "CASE WHEN (total_balance + total_credit) != 0" +
				" THEN activity_volume / (total_balance + total_credit) ELSE 0 END",
		},
	}
}

// FieldExpr resolves a catalog field to its view expression
func (c *Catalog) FieldExpr(field string) (string, error) {
	expr, ok := c.fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownField, field)
	}
	return expr, nil
}

// Operator resolves a stored operator name to its SQL comparison
func (c *Catalog) Operator(op string) (string, error) {
	sqlOp, ok := operators[op]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownOperator, op)
	}
	return sqlOp, nil
}

// Condition renders one comparison as a parameterized SQL fragment. The two
// synthetic boolean fields resolve to the activity expression directly and
// take no parameter; everything else compares the catalog expression against
// one bound value, coerced to a number when it parses as one.
func (c *Catalog) Condition(cond Condition) (string, []interface{}, error) {
	switch cond.Column {
	case "active":
		if cond.Value == "true" {
			return "(" + c.active + ")", nil, nil
		}
		return "NOT (" + c.active + ")", nil, nil
	case "active_ftd":
		if cond.Value == "true" {
			return "(" + c.activeFTD + ")", nil, nil
		}
		return "NOT (" + c.activeFTD + ")", nil, nil
	}

	expr, err := c.FieldExpr(cond.Column)
	if err != nil {
		return "", nil, err
	}
	sqlOp, err := c.Operator(cond.Op)
	if err != nil {
		return "", nil, err
	}

	var arg interface{} = cond.Value
	if f, err := strconv.ParseFloat(cond.Value, 64); err == nil {
		arg = f
	}
	return fmt.Sprintf("%s %s ?", expr, sqlOp), []interface{}{arg}, nil
}

// WhereClause ANDs a condition list into one parameterized WHERE fragment.
// An empty list yields an empty clause, matching every view row.
func (c *Catalog) WhereClause(conds []Condition) (string, []interface{}, error) {
	clause := ""
	var args []interface{}
	for _, cond := range conds {
		frag, condArgs, err := c.Condition(cond)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			clause += " AND "
		}
		clause += frag
		args = append(args, condArgs...)
	}
	return clause, args, nil
}
