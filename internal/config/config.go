package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds the local analytical store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// CRMSourceConfig holds the legacy CRM SQL Server source configuration
type CRMSourceConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// Schema is the schema holding the reporting tables (e.g. "report")
	Schema string `mapstructure:"schema"`
}

// ReplicaSourceConfig holds the trading-platform replica configuration.
// The replica is optional: when Host is empty, replica-sourced sync jobs
// are not registered.
type ReplicaSourceConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// Schema is the schema holding the platform tables (e.g. "dealio")
	Schema string `mapstructure:"schema"`
}

// SyncConfig holds batch-sync tuning shared by all pipelines
type SyncConfig struct {
	// Lookback is subtracted from now to form the incremental cutoff,
	// compensating for clock skew and replication lag
	Lookback time.Duration `mapstructure:"lookback"`
	// CRMBatchSize is the page size for CRM-sourced tables
	CRMBatchSize int `mapstructure:"crm_batch_size"`
	// TradesBatchSize is the page size for the replica trades table
	TradesBatchSize int `mapstructure:"trades_batch_size"`
	// UsersBatchSize is the page size for the replica users table
	UsersBatchSize int `mapstructure:"users_batch_size"`
	// FullRetries / IncrementalRetries bound per-page fetch attempts
	FullRetries        int           `mapstructure:"full_retries"`
	IncrementalRetries int           `mapstructure:"incremental_retries"`
	RetryInitialWait   time.Duration `mapstructure:"retry_initial_wait"`
}

// ScheduleConfig holds the cron wiring for the periodic jobs
type ScheduleConfig struct {
	AccountsInterval        time.Duration `mapstructure:"accounts_interval"`
	TradingAccountsInterval time.Duration `mapstructure:"trading_accounts_interval"`
	TransactionsInterval    time.Duration `mapstructure:"transactions_interval"`
	CRMUsersInterval        time.Duration `mapstructure:"crm_users_interval"`
	TradesInterval          time.Duration `mapstructure:"trades_interval"`
	PlatformUsersInterval   time.Duration `mapstructure:"platform_users_interval"`
	RefreshInterval         time.Duration `mapstructure:"refresh_interval"`
	// FullSyncCron is the nightly full-refresh sweep expression
	FullSyncCron string `mapstructure:"full_sync_cron"`
}

// AggregateConfig holds retention-view tuning
type AggregateConfig struct {
	// ActivityWindowDays classifies an account as active when it traded or
	// deposited within this many days
	ActivityWindowDays int `mapstructure:"activity_window_days"`
	// QualificationCutoff excludes accounts qualified before this date
	// (YYYY-MM-DD)
	QualificationCutoff string `mapstructure:"qualification_cutoff"`
}

// EngineConfig holds configuration for the sync engine process
type EngineConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig      `mapstructure:"database"`
	CRM        CRMSourceConfig     `mapstructure:"crm"`
	Replica    ReplicaSourceConfig `mapstructure:"replica"`
	Sync       SyncConfig          `mapstructure:"sync"`
	Schedule   ScheduleConfig      `mapstructure:"schedule"`
	Aggregate  AggregateConfig     `mapstructure:"aggregate"`
}

// LoadEngineConfig loads configuration for the sync engine
func LoadEngineConfig(configFile string, envPath string) (*EngineConfig, error) {
	v := configureViper("engine", configFile, envPath)

	// Set defaults
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("crm.port", 1433)
	v.SetDefault("crm.schema", "report")
	v.SetDefault("replica.port", 5432)
	v.SetDefault("replica.schema", "dealio")
	v.SetDefault("sync.lookback", "3h")
	v.SetDefault("sync.crm_batch_size", 100_000)
	v.SetDefault("sync.trades_batch_size", 100_000)
	v.SetDefault("sync.users_batch_size", 50_000)
	v.SetDefault("sync.full_retries", 5)
	v.SetDefault("sync.incremental_retries", 3)
	v.SetDefault("sync.retry_initial_wait", "2s")
	v.SetDefault("schedule.accounts_interval", "30m")
	v.SetDefault("schedule.trading_accounts_interval", "5m")
	v.SetDefault("schedule.transactions_interval", "5m")
	v.SetDefault("schedule.crm_users_interval", "30m")
	v.SetDefault("schedule.trades_interval", "5m")
	v.SetDefault("schedule.platform_users_interval", "15m")
	v.SetDefault("schedule.refresh_interval", "3m")
	v.SetDefault("schedule.full_sync_cron", "0 0 * * *")
	v.SetDefault("aggregate.activity_window_days", 35)
	v.SetDefault("aggregate.qualification_cutoff", "2020-01-01")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if cfg.Database.Host == "" {
		return nil, errors.New("database.host is required")
	}
	if cfg.Database.DBName == "" {
		return nil, errors.New("database.dbname is required")
	}
	if cfg.CRM.Host == "" {
		return nil, errors.New("crm.host is required")
	}

	return &cfg, nil
}

// configureViper returns a viper instance with the config file and
// environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("RETENTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// Required for viper to map env vars to config struct fields when no config
// file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Local database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// CRM source
		"crm.host",
		"crm.port",
		"crm.user",
		"crm.password",
		"crm.dbname",
		"crm.schema",
		// Platform replica source
		"replica.host",
		"replica.port",
		"replica.user",
		"replica.password",
		"replica.dbname",
		"replica.schema",
		// Sync tuning
		"sync.lookback",
		"sync.crm_batch_size",
		"sync.trades_batch_size",
		"sync.users_batch_size",
		"sync.full_retries",
		"sync.incremental_retries",
		"sync.retry_initial_wait",
		// Schedule
		"schedule.accounts_interval",
		"schedule.trading_accounts_interval",
		"schedule.transactions_interval",
		"schedule.crm_users_interval",
		"schedule.trades_interval",
		"schedule.platform_users_interval",
		"schedule.refresh_interval",
		"schedule.full_sync_cron",
		// Aggregate view
		"aggregate.activity_window_days",
		"aggregate.qualification_cutoff",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate)
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for range 5 {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the local database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// DSN returns the SQL Server connection string for the CRM source
func (c *CRMSourceConfig) DSN() string {
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// DSN returns the replica connection string
func (c *ReplicaSourceConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

// Enabled reports whether the replica source is configured
func (c *ReplicaSourceConfig) Enabled() bool {
	return c.Host != ""
}
