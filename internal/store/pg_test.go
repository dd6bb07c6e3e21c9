package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

var (
	testDB      *gorm.DB
	pgContainer *postgres.PostgresContainer
)

// TestMain sets up the test database before running tests
func TestMain(m *testing.M) {
	ctx := context.Background()

	// Check if we should use an external database (for CI or local development)
	dbHost := os.Getenv("TEST_DB_HOST")
	dbPort := os.Getenv("TEST_DB_PORT")
	dbUser := os.Getenv("TEST_DB_USER")
	dbPassword := os.Getenv("TEST_DB_PASSWORD")
	dbName := os.Getenv("TEST_DB_NAME")

	var dsn string
	var err error

	if dbHost != "" {
		// Use external database
		if dbPort == "" {
			dbPort = "5432"
		}
		if dbUser == "" {
			dbUser = "postgres"
		}
		if dbPassword == "" {
			dbPassword = "postgres"
		}
		if dbName == "" {
			dbName = "test_db"
		}

		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			dbHost, dbPort, dbUser, dbPassword, dbName)

		fmt.Printf("Using external database: %s:%s/%s\n", dbHost, dbPort, dbName)
	} else {
		// Start a PostgreSQL container for testing
		pgContainer, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			terminateContainer(ctx)
			os.Exit(1)
		}

		fmt.Printf("Started PostgreSQL container\n")
	}

	// Connect to the database
	testDB, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	if err := store.Migrate(testDB); err != nil {
		fmt.Printf("Failed to migrate database: %v\n", err)
		terminateContainer(ctx)
		os.Exit(1)
	}

	code := m.Run()

	terminateContainer(ctx)
	os.Exit(code)
}

func terminateContainer(ctx context.Context) {
	if pgContainer != nil {
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
}

// initPGTestStore wraps the test in a transaction rolled back on cleanup.
// The transaction handle is returned for direct fixture access.
func initPGTestStore(t *testing.T) (store.Store, *gorm.DB) {
	tx := testDB.Begin()
	require.NotNil(t, tx)
	require.NoError(t, tx.Error)

	t.Cleanup(func() {
		tx.Rollback()
	})

	return store.NewPGStore(tx), tx
}

func strPtr(s string) *string       { return &s }
func int64Ptr(v int64) *int64       { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func datePtr(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &d
}

func nDec(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

func TestStartSyncJobMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st, _ := initPGTestStore(t)

	job, err := st.StartSyncJob(ctx, domain.CategoryAccounts, domain.SyncFull, "run-1")
	require.NoError(t, err)
	require.NotZero(t, job.ID)

	_, err = st.StartSyncJob(ctx, domain.CategoryAccounts, domain.SyncIncremental, "run-2")
	assert.ErrorIs(t, err, domain.ErrSyncAlreadyRunning)

	// other categories are independent
	_, err = st.StartSyncJob(ctx, domain.CategoryTrades, domain.SyncFull, "run-3")
	assert.NoError(t, err)

	require.NoError(t, st.CompleteSyncJob(ctx, job.ID, 42))

	job2, err := st.StartSyncJob(ctx, domain.CategoryAccounts, domain.SyncIncremental, "run-4")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, job2.ID)
}

func TestStartSyncJobConcurrentStarts(t *testing.T) {
	ctx := context.Background()
	// runs on testDB directly: the race only exists across connections
	st := store.NewPGStore(testDB)
	t.Cleanup(func() {
		testDB.Exec("DELETE FROM sync_jobs")
	})

	const starters = 8
	errs := make([]error, starters)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = st.StartSyncJob(ctx, domain.CategoryTrades, domain.SyncFull, fmt.Sprintf("run-%d", i))
		}(i)
	}
	close(start)
	wg.Wait()

	var won, blocked int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrSyncAlreadyRunning):
			blocked++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, won, "exactly one starter may win")
	assert.Equal(t, starters-1, blocked)

	var running int64
	require.NoError(t, testDB.Model(&schema.SyncJob{}).
		Where("status = ?", domain.JobRunning).
		Count(&running).Error)
	assert.Equal(t, int64(1), running)
}

func TestIsSyncRunningPrefixMatch(t *testing.T) {
	ctx := context.Background()
	st, _ := initPGTestStore(t)

	running, err := st.IsSyncRunning(ctx, "")
	require.NoError(t, err)
	assert.False(t, running)

	job, err := st.StartSyncJob(ctx, domain.CategoryTradingAccounts, domain.SyncFull, "run-1")
	require.NoError(t, err)

	for prefix, want := range map[string]bool{
		"":                 true,
		"trading_accounts": true,
		"trad":             true,
		"transactions":     false,
	} {
		running, err = st.IsSyncRunning(ctx, prefix)
		require.NoError(t, err)
		assert.Equal(t, want, running, "prefix %q", prefix)
	}

	full, err := st.IsFullSyncRunning(ctx)
	require.NoError(t, err)
	assert.True(t, full)

	require.NoError(t, st.CompleteSyncJob(ctx, job.ID, 0))

	running, err = st.IsSyncRunning(ctx, "")
	require.NoError(t, err)
	assert.False(t, running)

	full, err = st.IsFullSyncRunning(ctx)
	require.NoError(t, err)
	assert.False(t, full)
}

func TestSyncJobTerminalStates(t *testing.T) {
	ctx := context.Background()
	st, _ := initPGTestStore(t)

	job, err := st.StartSyncJob(ctx, domain.CategoryTransactions, domain.SyncFull, "run-ok")
	require.NoError(t, err)
	require.NoError(t, st.CompleteSyncJob(ctx, job.ID, 128))

	failed, err := st.StartSyncJob(ctx, domain.CategoryTrades, domain.SyncIncremental, "run-bad")
	require.NoError(t, err)
	require.NoError(t, st.FailSyncJob(ctx, failed.ID, "source timeout"))

	jobs, err := st.RecentSyncJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byRun := map[string]schema.SyncJob{}
	for _, j := range jobs {
		byRun[j.RunID] = j
	}

	ok := byRun["run-ok"]
	assert.Equal(t, domain.JobCompleted, ok.Status)
	require.NotNil(t, ok.RowsSynced)
	assert.Equal(t, int64(128), *ok.RowsSynced)
	assert.NotNil(t, ok.CompletedAt)

	bad := byRun["run-bad"]
	assert.Equal(t, domain.JobError, bad.Status)
	require.NotNil(t, bad.ErrorMessage)
	assert.Equal(t, "source timeout", *bad.ErrorMessage)
	assert.NotNil(t, bad.CompletedAt)
}

func TestRecoverOrphanSyncJobs(t *testing.T) {
	ctx := context.Background()
	st, _ := initPGTestStore(t)

	_, err := st.StartSyncJob(ctx, domain.CategoryAccounts, domain.SyncFull, "orphan-1")
	require.NoError(t, err)
	_, err = st.StartSyncJob(ctx, domain.CategoryTrades, domain.SyncIncremental, "orphan-2")
	require.NoError(t, err)
	done, err := st.StartSyncJob(ctx, domain.CategoryCRMUsers, domain.SyncFull, "done")
	require.NoError(t, err)
	require.NoError(t, st.CompleteSyncJob(ctx, done.ID, 7))

	recovered, err := st.RecoverOrphanSyncJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	jobs, err := st.RecentSyncJobs(ctx, 10)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, domain.JobRunning, j.Status, "run %s", j.RunID)
		if j.RunID != "done" {
			require.NotNil(t, j.ErrorMessage)
			assert.Equal(t, "interrupted by restart", *j.ErrorMessage)
		}
	}

	// ledger no longer blocks new runs
	_, err = st.StartSyncJob(ctx, domain.CategoryAccounts, domain.SyncFull, "fresh")
	assert.NoError(t, err)
}

func TestUpsertAccountsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, tx := initPGTestStore(t)

	rows := []schema.Account{
		{AccountID: "A-1", FullName: strPtr("Ada Lovelace"), QualificationDate: datePtr("2024-01-10")},
		{AccountID: "A-2", FullName: strPtr("Basil Brush")},
	}
	require.NoError(t, st.UpsertAccounts(ctx, rows))

	count, err := st.FactRowCount(ctx, domain.CategoryAccounts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	rows[0].FullName = strPtr("Ada King")
	require.NoError(t, st.UpsertAccounts(ctx, rows))

	count, err = st.FactRowCount(ctx, domain.CategoryAccounts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var got schema.Account
	require.NoError(t, tx.Where("account_id = ?", "A-1").First(&got).Error)
	require.NotNil(t, got.FullName)
	assert.Equal(t, "Ada King", *got.FullName)
}

func TestTruncateFactTable(t *testing.T) {
	ctx := context.Background()
	st, _ := initPGTestStore(t)

	require.NoError(t, st.UpsertTrades(ctx, []schema.Trade{
		{Ticket: 1, Login: 100, Command: schema.CommandBuy},
		{Ticket: 2, Login: 100, Command: schema.CommandSell},
	}))

	require.NoError(t, st.TruncateFactTable(ctx, domain.CategoryTrades))

	count, err := st.FactRowCount(ctx, domain.CategoryTrades)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// seedAggregateFixture loads a small fact set with known aggregate answers
// plus rows every exclusion rule should drop.
func seedAggregateFixture(t *testing.T, db *gorm.DB) {
	now := time.Now().UTC()

	require.NoError(t, db.Create(&[]schema.CRMUser{
		{UserID: "U-1", FirstName: strPtr("John"), LastName: strPtr("Smith")},
		{UserID: "U-2", FirstName: strPtr("Gone"), LastName: strPtr("Agent"), Deleted: true},
	}).Error)

	require.NoError(t, db.Create(&[]schema.Account{
		{AccountID: "A-1", FullName: strPtr("Ada Lovelace"), QualificationDate: datePtr("2024-01-10"),
			AssignedTo: strPtr("U-1"), SalesPotential: strPtr("3")},
		{AccountID: "A-2", FullName: strPtr("Basil Brush"), QualificationDate: datePtr("2024-02-20")},
		{AccountID: "A-3", FullName: strPtr("Cora Finch"), QualificationDate: datePtr("2024-03-05")},
		// dropped from the view: test flag, pre-cutoff, never qualified
		{AccountID: "A-4", QualificationDate: datePtr("2024-01-01"), IsTestAccount: true},
		{AccountID: "A-5", QualificationDate: datePtr("2019-06-01")},
		{AccountID: "A-6"},
	}).Error)

	require.NoError(t, db.Create(&[]schema.TradingAccount{
		{Login: 101, AccountID: strPtr("A-1"), Balance: nDec(1500), Credit: nDec(100)},
		{Login: 102, AccountID: strPtr("A-2"), Balance: nDec(250), Credit: nDec(0)},
		{Login: 103, AccountID: strPtr("A-3"), Balance: nDec(80), Credit: nDec(0)},
		{Login: 104, AccountID: strPtr("A-4"), Balance: nDec(9999), Credit: nDec(0)},
	}).Error)

	require.NoError(t, db.Create(&[]schema.PlatformUser{
		{Login: 101, Equity: nDec(1620.50)},
		{Login: 102, Equity: nDec(245)},
	}).Error)

	trades := []schema.Trade{
		{Ticket: 1, Login: 101, Command: schema.CommandBuy, Profit: nDec(50), NotionalValue: nDec(1000)},
		{Ticket: 2, Login: 101, Command: schema.CommandSell, Profit: nDec(40), NotionalValue: nDec(2000)},
		{Ticket: 3, Login: 101, Command: schema.CommandBuy, Profit: nDec(30), NotionalValue: nDec(1500)},
		{Ticket: 4, Login: 101, Command: schema.CommandSell, Profit: nDec(20), NotionalValue: nDec(500)},
		{Ticket: 5, Login: 101, Command: schema.CommandBuy, Profit: nDec(-19.50), NotionalValue: nDec(1000)},
		{Ticket: 6, Login: 103, Command: schema.CommandBuy, Profit: nDec(-10), NotionalValue: nDec(300)},
		{Ticket: 7, Login: 103, Command: schema.CommandSell, Profit: nDec(-20), NotionalValue: nDec(700)},
		// excluded: balance operation, maintenance symbol
		{Ticket: 8, Login: 101, Command: 6, Profit: nDec(77)},
		{Ticket: 9, Login: 101, Command: schema.CommandBuy, Profit: nDec(-5),
			Symbol: strPtr("EURUSD inactivity fee")},
	}
	for i := range trades {
		trades[i].OpenTime = timePtr(now.Add(-2 * time.Hour))
		trades[i].CloseTime = timePtr(now.Add(-1 * time.Hour))
	}
	require.NoError(t, db.Create(&trades).Error)

	require.NoError(t, db.Create(&[]schema.Transaction{
		{TransactionID: 1, Login: int64Ptr(101), USDAmount: nDec(300), ConfirmedAt: timePtr(now),
			TransactionType: strPtr(schema.TransactionTypeDeposit), ApprovalStatus: strPtr(schema.TransactionApproved),
			PaymentMethod: strPtr("Wire")},
		{TransactionID: 2, Login: int64Ptr(101), USDAmount: nDec(200), ConfirmedAt: timePtr(now),
			TransactionType: strPtr(schema.TransactionTypeDeposit), ApprovalStatus: strPtr(schema.TransactionApproved),
			PaymentMethod: strPtr("Card")},
		{TransactionID: 3, Login: int64Ptr(102), USDAmount: nDec(1000), ConfirmedAt: timePtr(now),
			TransactionType: strPtr(schema.TransactionTypeDeposit), ApprovalStatus: strPtr(schema.TransactionApproved),
			PaymentMethod: strPtr("Wire")},
		// excluded: cashback, pending, withdrawal
		{TransactionID: 4, Login: int64Ptr(101), USDAmount: nDec(50),
			TransactionType: strPtr(schema.TransactionTypeDeposit), ApprovalStatus: strPtr(schema.TransactionApproved),
			PaymentMethod: strPtr(schema.PaymentMethodBonusCashback)},
		{TransactionID: 5, Login: int64Ptr(101), USDAmount: nDec(400),
			TransactionType: strPtr(schema.TransactionTypeDeposit), ApprovalStatus: strPtr("Pending"),
			PaymentMethod: strPtr("Wire")},
		{TransactionID: 6, Login: int64Ptr(101), USDAmount: nDec(120),
			TransactionType: strPtr("Withdrawal"), ApprovalStatus: strPtr(schema.TransactionApproved),
			PaymentMethod: strPtr("Wire")},
	}).Error)
}

type viewAggRow struct {
	AccountID    string   `gorm:"column:account_id"`
	AgentName    *string  `gorm:"column:agent_name"`
	TotalBalance float64  `gorm:"column:total_balance"`
	TotalEquity  float64  `gorm:"column:total_equity"`
	TradeCount   int      `gorm:"column:trade_count"`
	TotalProfit  float64  `gorm:"column:total_profit"`
	WinRate      *float64 `gorm:"column:win_rate"`
	DepositCount int      `gorm:"column:deposit_count"`
	TotalDeposit float64  `gorm:"column:total_deposit"`
}

func TestRetentionViewLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewPGStore(testDB)

	t.Cleanup(func() {
		testDB.Exec("DROP MATERIALIZED VIEW IF EXISTS " + schema.RetentionView)
		for _, table := range []string{
			"task_assignments", "extra_columns", "transactions", "trades",
			"platform_users", "trading_accounts", "crm_users", "accounts",
		} {
			testDB.Exec("DELETE FROM " + table)
		}
	})

	seedAggregateFixture(t, testDB)

	exists, populated, err := st.RetentionViewState(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, populated)

	qb, err := aggregate.NewQueryBuilder("2020-01-01", 35)
	require.NoError(t, err)
	selectSQL, skipped := qb.BuildSelect(nil)
	require.Empty(t, skipped)

	require.NoError(t, st.RebuildRetentionView(ctx, selectSQL))

	exists, populated, err = st.RetentionViewState(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, populated)

	_, err = st.SelectViewAccountIDs(ctx, "")
	assert.ErrorIs(t, err, domain.ErrViewNotPopulated)

	require.NoError(t, st.RefreshRetentionView(ctx, false))

	exists, populated, err = st.RetentionViewState(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, populated)

	var rows []viewAggRow
	require.NoError(t, testDB.Raw(
		"SELECT * FROM "+schema.RetentionView+" ORDER BY account_id").Scan(&rows).Error)
	require.Len(t, rows, 3)

	byID := map[string]viewAggRow{}
	for _, r := range rows {
		byID[r.AccountID] = r
	}

	a := byID["A-1"]
	require.NotNil(t, a.AgentName)
	assert.Equal(t, "John Smith", *a.AgentName)
	assert.Equal(t, 5, a.TradeCount)
	assert.InDelta(t, 120.50, a.TotalProfit, 0.001)
	require.NotNil(t, a.WinRate)
	assert.InDelta(t, 0.8, *a.WinRate, 0.001)
	assert.Equal(t, 2, a.DepositCount)
	assert.InDelta(t, 500.00, a.TotalDeposit, 0.001)
	assert.InDelta(t, 1500.00, a.TotalBalance, 0.001)
	assert.InDelta(t, 1620.50, a.TotalEquity, 0.001)

	b := byID["A-2"]
	assert.Equal(t, 0, b.TradeCount)
	assert.InDelta(t, 0, b.TotalProfit, 0.001)
	assert.Nil(t, b.WinRate)
	assert.Equal(t, 1, b.DepositCount)
	assert.InDelta(t, 1000.00, b.TotalDeposit, 0.001)

	c := byID["A-3"]
	assert.Equal(t, 2, c.TradeCount)
	assert.InDelta(t, -30.00, c.TotalProfit, 0.001)
	require.NotNil(t, c.WinRate)
	assert.InDelta(t, 0, *c.WinRate, 0.001)
	assert.Equal(t, 0, c.DepositCount)

	// the unique index makes concurrent refresh legal once populated
	require.NoError(t, st.RefreshRetentionView(ctx, true))

	ids, err := st.SelectViewAccountIDs(ctx, "trade_count >= ?", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1", "A-3"}, ids)

	task := schema.RetentionTask{Name: "active traders",
		Conditions: []byte(`[{"column":"trade_count","op":"gte","value":"1"}]`), Color: "blue"}
	require.NoError(t, testDB.Create(&task).Error)

	inserted, err := st.InsertTaskAssignments(ctx, task.ID, "trade_count >= ?", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	assigned, err := st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1", "A-3"}, assigned)
}

func TestRebuildMergesExtraColumns(t *testing.T) {
	ctx := context.Background()
	st := store.NewPGStore(testDB)

	t.Cleanup(func() {
		testDB.Exec("DROP MATERIALIZED VIEW IF EXISTS " + schema.RetentionView)
		for _, table := range []string{
			"extra_columns", "transactions", "trades",
			"platform_users", "trading_accounts", "crm_users", "accounts",
		} {
			testDB.Exec("DELETE FROM " + table)
		}
	})

	seedAggregateFixture(t, testDB)

	require.NoError(t, testDB.Create(&schema.ExtraColumn{
		Name: "Deposited USD", SourceTable: "transactions",
		SourceColumn: "usd_amount", Aggregation: "sum",
	}).Error)

	extras, err := st.ListExtraColumns(ctx)
	require.NoError(t, err)

	qb, err := aggregate.NewQueryBuilder("2020-01-01", 35)
	require.NoError(t, err)
	selectSQL, skipped := qb.BuildSelect(extras)
	require.Empty(t, skipped)

	require.NoError(t, st.RebuildRetentionView(ctx, selectSQL))
	require.NoError(t, st.RefreshRetentionView(ctx, false))

	var sums []struct {
		AccountID    string  `gorm:"column:account_id"`
		SumUSDAmount float64 `gorm:"column:sum_usd_amount"`
	}
	require.NoError(t, testDB.Raw(
		"SELECT account_id, sum_usd_amount FROM "+schema.RetentionView+
			" WHERE account_id = ?", "A-1").Scan(&sums).Error)
	require.Len(t, sums, 1)
	assert.InDelta(t, 500.00, sums[0].SumUSDAmount, 0.001)
}
