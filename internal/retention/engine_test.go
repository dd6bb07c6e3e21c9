package retention

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

func init() {
	_ = logger.Initialize(logger.Config{})
}

type viewRow struct {
	AccountID    string  `gorm:"column:account_id;primaryKey"`
	TotalBalance float64 `gorm:"column:total_balance"`
	TradeCount   int     `gorm:"column:trade_count"`
}

func (viewRow) TableName() string { return schema.RetentionView }

func setupEngineTest(t *testing.T, rows []viewRow) (*Engine, store.Store, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	require.NoError(t, db.AutoMigrate(&viewRow{}))
	if len(rows) > 0 {
		require.NoError(t, db.Create(&rows).Error)
	}

	st := store.NewPGStore(db)
	return NewEngine(st, aggregate.NewCatalog(35)), st, db
}

func createTask(t *testing.T, db *gorm.DB, name, conditions string) schema.RetentionTask {
	task := schema.RetentionTask{
		Name:       name,
		Conditions: datatypes.JSON(conditions),
		Color:      "red",
	}
	require.NoError(t, db.Create(&task).Error)
	return task
}

func TestRecomputeAllAssignments(t *testing.T) {
	ctx := context.Background()
	engine, st, db := setupEngineTest(t, []viewRow{
		{AccountID: "A-1", TotalBalance: 1500, TradeCount: 7},
		{AccountID: "A-2", TotalBalance: 1500, TradeCount: 2},
		{AccountID: "A-3", TotalBalance: 200, TradeCount: 9},
	})

	task := createTask(t, db, "whales",
		`[{"column":"balance","op":"gt","value":"1000"},{"column":"trade_count","op":"gte","value":"5"}]`)

	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err := st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	// both conditions must hold; one is not enough
	assert.Equal(t, []string{"A-1"}, assigned)
}

func TestRecomputeUnconditionalTaskMatchesEveryone(t *testing.T) {
	ctx := context.Background()
	engine, st, db := setupEngineTest(t, []viewRow{
		{AccountID: "A-1", TotalBalance: 1500, TradeCount: 7},
		{AccountID: "A-2", TotalBalance: 200, TradeCount: 0},
	})

	task := createTask(t, db, "everyone", `[]`)

	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err := st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1", "A-2"}, assigned)
}

func TestRecomputeRemovesDeletedTaskAssignments(t *testing.T) {
	ctx := context.Background()
	engine, st, db := setupEngineTest(t, []viewRow{
		{AccountID: "A-1", TotalBalance: 1500, TradeCount: 7},
	})

	task := createTask(t, db, "whales", `[{"column":"balance","op":"gt","value":"1000"}]`)
	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err := st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	require.NoError(t, db.Delete(&task).Error)
	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err = st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestRecomputeSkipsMalformedTask(t *testing.T) {
	ctx := context.Background()
	engine, st, db := setupEngineTest(t, []viewRow{
		{AccountID: "A-1", TotalBalance: 1500, TradeCount: 7},
	})

	createTask(t, db, "broken", `{"column":"balance"`)
	createTask(t, db, "unknown field", `[{"column":"shoe_size","op":"gt","value":"40"}]`)
	healthy := createTask(t, db, "whales", `[{"column":"balance","op":"gt","value":"1000"}]`)

	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err := st.AssignmentsForTask(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-1"}, assigned,
		"a malformed task must not blank out other tasks' assignments")
}

func TestRecomputeReflectsConditionChanges(t *testing.T) {
	ctx := context.Background()
	engine, st, db := setupEngineTest(t, []viewRow{
		{AccountID: "A-1", TotalBalance: 1500, TradeCount: 7},
		{AccountID: "A-2", TotalBalance: 300, TradeCount: 7},
	})

	task := createTask(t, db, "whales", `[{"column":"balance","op":"gt","value":"1000"}]`)
	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err := st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"A-1"}, assigned)

	require.NoError(t, db.Model(&task).
		Update("conditions", datatypes.JSON(`[{"column":"balance","op":"lt","value":"1000"}]`)).Error)
	require.NoError(t, engine.RecomputeAllAssignments(ctx))

	assigned, err = st.AssignmentsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-2"}, assigned)
}
