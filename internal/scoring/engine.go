package scoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/adapter"
	"github.com/clearviewfx/retention-engine/internal/aggregate"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
	"github.com/clearviewfx/retention-engine/internal/store/schema"
)

// Engine recomputes client scores from the configured scoring rules.
// Scores are additive: every rule whose condition an account satisfies
// contributes its points, independent of rule order.
type Engine struct {
	store   store.Store
	catalog *aggregate.Catalog
	clock   adapter.Clock
}

// NewEngine creates a scoring engine
func NewEngine(st store.Store, catalog *aggregate.Catalog, clock adapter.Clock) *Engine {
	return &Engine{store: st, catalog: catalog, clock: clock}
}

// RecomputeAllScores rescores every account currently in the retention
// view. Accounts matching no rule are written with score zero so stale
// scores never linger; accounts absent from the view are left untouched.
// A rule referencing an unknown field or operator is skipped with a
// warning rather than failing the recomputation.
func (e *Engine) RecomputeAllScores(ctx context.Context) error {
	rules, err := e.store.ListScoringRules(ctx)
	if err != nil {
		return err
	}

	accountIDs, err := e.store.SelectViewAccountIDs(ctx, "")
	if err != nil {
		return err
	}

	scores := make(map[string]int, len(accountIDs))
	for _, id := range accountIDs {
		scores[id] = 0
	}

	for _, rule := range rules {
		frag, args, err := e.catalog.Condition(aggregate.Condition{
			Column: rule.Field,
			Op:     rule.Operator,
			Value:  rule.Value,
		})
		if err != nil {
			logger.WarnCtx(ctx, "Skipping invalid scoring rule",
				zap.Int64("rule_id", rule.ID),
				zap.String("field", rule.Field),
				zap.Error(err),
			)
			continue
		}

		matched, err := e.store.SelectViewAccountIDs(ctx, frag, args...)
		if err != nil {
			return err
		}
		for _, id := range matched {
			scores[id] += rule.Points
		}
	}

	computedAt := e.clock.Now().UTC()
	rows := make([]schema.ClientScore, 0, len(scores))
	for id, score := range scores {
		rows = append(rows, schema.ClientScore{
			AccountID:  id,
			Score:      score,
			ComputedAt: computedAt,
		})
	}

	if err := e.store.ReplaceClientScores(ctx, rows); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Client scores recomputed",
		zap.Int("accounts", len(rows)),
		zap.Int("rules", len(rules)),
	)
	return nil
}
