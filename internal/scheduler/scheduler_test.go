package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearviewfx/retention-engine/internal/adapter"
	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/config"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
	"github.com/clearviewfx/retention-engine/internal/syncer"
)

func init() {
	_ = logger.Initialize(logger.Config{})
}

type stubCRM struct{}

func (stubCRM) FetchAccounts(context.Context, int, int, *time.Time) ([]schema.Account, error) {
	return nil, nil
}

func (stubCRM) FetchTradingAccounts(context.Context, int, int, *time.Time) ([]schema.TradingAccount, error) {
	return nil, nil
}

func (stubCRM) FetchTransactions(context.Context, int, int, *time.Time) ([]schema.Transaction, error) {
	return nil, nil
}

func (stubCRM) FetchCRMUsers(context.Context, int, int, *time.Time) ([]schema.CRMUser, error) {
	return nil, nil
}

func setupSchedulerTest(t *testing.T, cfg config.ScheduleConfig) *Scheduler {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	st := store.NewPGStore(db)
	sy := syncer.New(st, adapter.NewClock(), config.SyncConfig{CRMBatchSize: 100})
	sy.RegisterCRM(stubCRM{})

	qb, err := aggregate.NewQueryBuilder("2020-01-01", 35)
	require.NoError(t, err)
	builder := aggregate.NewBuilder(st, qb)

	return New(context.Background(), sy, builder, cfg)
}

func TestRegisterSchedulesAllJobs(t *testing.T) {
	s := setupSchedulerTest(t, config.ScheduleConfig{
		AccountsInterval:        30 * time.Minute,
		TradingAccountsInterval: 5 * time.Minute,
		TransactionsInterval:    5 * time.Minute,
		CRMUsersInterval:        30 * time.Minute,
		RefreshInterval:         3 * time.Minute,
		FullSyncCron:            "0 0 * * *",
	})

	require.NoError(t, s.Register())

	// four incremental syncs plus the refresh and the nightly sweep
	assert.Len(t, s.cron.Entries(), 6)
}

func TestRegisterSkipsCategoriesWithoutInterval(t *testing.T) {
	s := setupSchedulerTest(t, config.ScheduleConfig{
		AccountsInterval: 30 * time.Minute,
		RefreshInterval:  3 * time.Minute,
		FullSyncCron:     "0 0 * * *",
	})

	require.NoError(t, s.Register())

	assert.Len(t, s.cron.Entries(), 3)
}

func TestRegisterRejectsBadCronExpression(t *testing.T) {
	s := setupSchedulerTest(t, config.ScheduleConfig{
		RefreshInterval: 3 * time.Minute,
		FullSyncCron:    "not a cron spec",
	})

	assert.Error(t, s.Register())
}

func TestStartAndStop(t *testing.T) {
	s := setupSchedulerTest(t, config.ScheduleConfig{
		AccountsInterval: time.Hour,
		RefreshInterval:  time.Hour,
		FullSyncCron:     "0 0 * * *",
	})

	require.NoError(t, s.Register())
	s.Start()
	s.Stop()
}
