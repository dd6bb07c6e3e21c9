package source

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// platformSource reads the trading platform's Postgres read replica. The
// replica lags the platform by a few seconds under load, which the
// incremental lookback window absorbs.
type platformSource struct {
	db         *gorm.DB
	schemaName string
}

// NewPlatformSource creates a platform source over an open replica connection
func NewPlatformSource(db *gorm.DB, schemaName string) (PlatformSource, error) {
	if err := validateSchemaName(schemaName); err != nil {
		return nil, err
	}
	return &platformSource{db: db, schemaName: schemaName}, nil
}

func (s *platformSource) FetchTrades(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Trade, error) {
	query := fmt.Sprintf(`SELECT
			t.ticket,
			t.login,
			t.cmd AS command,
			t.profit,
			t.computed_profit,
			t.notional_value,
			t.symbol,
			t.open_time,
			t.close_time,
			t.modify_time AS last_modified
		FROM %s.trades t`, s.schemaName)

	args := make([]interface{}, 0, 3)
	if since != nil {
		query += " WHERE t.modify_time >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY t.ticket LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []schema.Trade
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch platform trades: %w", err)
	}
	return rows, nil
}

func (s *platformSource) FetchPlatformUsers(ctx context.Context, offset, limit int, since *time.Time) ([]schema.PlatformUser, error) {
	query := fmt.Sprintf(`SELECT
			u.login,
			u.name,
			u."group" AS group_name,
			u.country,
			u.balance,
			u.credit,
			u.equity,
			u.agent_account,
			u.regdate AS reg_date,
			u.lastupdate AS last_update
		FROM %s.users u`, s.schemaName)

	args := make([]interface{}, 0, 3)
	if since != nil {
		query += " WHERE u.lastupdate >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY u.login LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []schema.PlatformUser
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch platform users: %w", err)
	}
	return rows, nil
}
