package source

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// CRMSource reads the legacy CRM's reporting tables. Fetches are paged by
// stable primary-key order; since narrows a page to rows modified at or
// after the cutoff and is nil for full syncs.
type CRMSource interface {
	FetchAccounts(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Account, error)
	FetchTradingAccounts(ctx context.Context, offset, limit int, since *time.Time) ([]schema.TradingAccount, error)
	FetchTransactions(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Transaction, error)
	FetchCRMUsers(ctx context.Context, offset, limit int, since *time.Time) ([]schema.CRMUser, error)
}

// PlatformSource reads the trading platform's read replica
type PlatformSource interface {
	FetchTrades(ctx context.Context, offset, limit int, since *time.Time) ([]schema.Trade, error)
	FetchPlatformUsers(ctx context.Context, offset, limit int, since *time.Time) ([]schema.PlatformUser, error)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateSchemaName rejects schema names that cannot be interpolated into
// source queries as bare identifiers
func validateSchemaName(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid source schema name %q", name)
	}
	return nil
}
