package source

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// crmSource reads the CRM's SQL Server reporting schema. Every query pages
// by primary-key order with OFFSET/FETCH so concurrent upstream writes
// cannot scramble page boundaries, and aliases the upstream columns to the
// local fact-table names so rows scan straight into the schema structs.
type crmSource struct {
	db         *gorm.DB
	schemaName string
}

// NewCRMSource creates a CRM source over an open SQL Server connection
func NewCRMSource(db *gorm.DB, schemaName string) (CRMSource, error) {
	if err := validateSchemaName(schemaName); err != nil {
		return nil, err
	}
	return &crmSource{db: db, schemaName: schemaName}, nil
}

func (s *crmSource) FetchAccounts(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Account, error) {
	query := fmt.Sprintf(`SELECT
			a.account_id,
			a.qualification_date,
			a.modified_time,
			CAST(ISNULL(a.is_test_account, 0) AS bit) AS is_test_account,
			a.sales_potential,
			a.assigned_to,
			a.birth_date,
			a.full_name
		FROM %s.accounts a`, s.schemaName)

	var rows []schema.Account
	if err := s.fetchPage(ctx, query, "a.modified_time", "a.account_id", offset, limit, since, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch crm accounts: %w", err)
	}
	return rows, nil
}

func (s *crmSource) FetchTradingAccounts(ctx context.Context, offset, limit int, since *time.Time) ([]schema.TradingAccount, error) {
	query := fmt.Sprintf(`SELECT
			t.login,
			t.account_id,
			t.balance,
			t.credit,
			t.modified_time
		FROM %s.trading_accounts t`, s.schemaName)

	var rows []schema.TradingAccount
	if err := s.fetchPage(ctx, query, "t.modified_time", "t.login", offset, limit, since, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch crm trading accounts: %w", err)
	}
	return rows, nil
}

func (s *crmSource) FetchTransactions(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Transaction, error) {
	query := fmt.Sprintf(`SELECT
			x.transaction_id,
			x.login,
			x.amount,
			x.usd_amount,
			x.transaction_type,
			x.approval_status,
			x.payment_method,
			x.confirmed_at,
			x.modified_time
		FROM %s.transactions x`, s.schemaName)

	var rows []schema.Transaction
	if err := s.fetchPage(ctx, query, "x.modified_time", "x.transaction_id", offset, limit, since, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch crm transactions: %w", err)
	}
	return rows, nil
}

func (s *crmSource) FetchCRMUsers(ctx context.Context, offset, limit int, since *time.Time) ([]schema.CRMUser, error) {
	query := fmt.Sprintf(`SELECT
			u.user_id,
			u.first_name,
			u.last_name,
			u.email,
			u.status,
			CAST(ISNULL(u.deleted, 0) AS bit) AS deleted,
			u.modified_time
		FROM %s.users u`, s.schemaName)

	var rows []schema.CRMUser
	if err := s.fetchPage(ctx, query, "u.modified_time", "u.user_id", offset, limit, since, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch crm users: %w", err)
	}
	return rows, nil
}

// fetchPage appends the optional modified-time cutoff and the SQL Server
// paging clause, then scans one page into dest
func (s *crmSource) fetchPage(ctx context.Context, query, modifiedCol, orderCol string, offset, limit int, since *time.Time, dest interface{}) error {
	args := make([]interface{}, 0, 3)
	if since != nil {
		query += fmt.Sprintf(" WHERE %s >= ?", modifiedCol)
		args = append(args, *since)
	}
	query += fmt.Sprintf(" ORDER BY %s OFFSET ? ROWS FETCH NEXT ? ROWS ONLY", orderCol)
	args = append(args, offset, limit)

	return s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
}
