package domain

import "errors"

var (
	// ErrSyncAlreadyRunning is returned when a sync is started for a category
	// that already has a running ledger entry
	ErrSyncAlreadyRunning = errors.New("sync already running for this category")

	// ErrViewNotPopulated is returned when the retention view exists but has
	// never been populated; callers should treat it as "still preparing"
	ErrViewNotPopulated = errors.New("retention view not yet populated")

	// ErrSourceNotConfigured is returned when a sync targets an upstream
	// source that was not configured at startup
	ErrSourceNotConfigured = errors.New("source not configured")

	// ErrUnknownField is returned when a rule or condition references a field
	// outside the expression catalog
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownOperator is returned when a rule or condition uses an
	// operator outside the supported set
	ErrUnknownOperator = errors.New("unknown operator")
)
