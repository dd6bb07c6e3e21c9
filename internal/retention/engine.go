package retention

import (
	"context"

	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
)

// Engine recomputes the account-task assignment store from the configured
// retention tasks
type Engine struct {
	store   store.Store
	catalog *aggregate.Catalog
}

// NewEngine creates a task assignment engine
func NewEngine(st store.Store, catalog *aggregate.Catalog) *Engine {
	return &Engine{store: st, catalog: catalog}
}

// RecomputeAllAssignments truncates the assignment store unconditionally,
// so deleted or renamed tasks leave no orphaned rows, then re-derives the
// membership of every task from the retention view. A task whose condition
// list fails to parse or references an unknown field is skipped with a
// warning: one malformed task must not blank out everyone else's
// assignments.
func (e *Engine) RecomputeAllAssignments(ctx context.Context) error {
	tasks, err := e.store.ListRetentionTasks(ctx)
	if err != nil {
		return err
	}

	if err := e.store.TruncateTaskAssignments(ctx); err != nil {
		return err
	}

	var total int64
	for _, task := range tasks {
		conds, err := aggregate.ParseConditions(task.Conditions)
		if err != nil {
			logger.WarnCtx(ctx, "Skipping retention task with malformed conditions",
				zap.Int64("task_id", task.ID),
				zap.String("task", task.Name),
				zap.Error(err),
			)
			continue
		}

		clause, args, err := e.catalog.WhereClause(conds)
		if err != nil {
			logger.WarnCtx(ctx, "Skipping retention task with invalid condition",
				zap.Int64("task_id", task.ID),
				zap.String("task", task.Name),
				zap.Error(err),
			)
			continue
		}

		assigned, err := e.store.InsertTaskAssignments(ctx, task.ID, clause, args...)
		if err != nil {
			return err
		}
		total += assigned

		logger.DebugCtx(ctx, "Task assignments recomputed",
			zap.Int64("task_id", task.ID),
			zap.String("task", task.Name),
			zap.Int64("accounts", assigned),
		)
	}

	logger.InfoCtx(ctx, "Task assignments recomputed",
		zap.Int("tasks", len(tasks)),
		zap.Int64("assignments", total),
	)
	return nil
}
