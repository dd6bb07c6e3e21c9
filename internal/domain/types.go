package domain

// JobCategory identifies one fact table's sync pipeline. Ledger lookups
// prefix-match on the category so a caller can find every run of one
// pipeline, or every pipeline at once with an empty prefix.
type JobCategory string

const (
	// CategoryAccounts syncs the CRM account profile table
	CategoryAccounts JobCategory = "accounts"
	// CategoryTradingAccounts syncs the CRM trading-account table
	CategoryTradingAccounts JobCategory = "trading_accounts"
	// CategoryTransactions syncs the CRM deposit/withdrawal table
	CategoryTransactions JobCategory = "transactions"
	// CategoryCRMUsers syncs the CRM user (owner/agent) table
	CategoryCRMUsers JobCategory = "crm_users"
	// CategoryTrades syncs the platform replica's closed-trade table
	CategoryTrades JobCategory = "trades"
	// CategoryPlatformUsers syncs the platform replica's user table
	CategoryPlatformUsers JobCategory = "platform_users"
)

// SyncKind distinguishes a truncate-and-reload run from a lookback upsert run
type SyncKind string

const (
	SyncFull        SyncKind = "full"
	SyncIncremental SyncKind = "incremental"
)

// JobStatus is the lifecycle state of a sync ledger entry
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)
