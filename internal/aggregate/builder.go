package aggregate

import (
	"context"

	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
)

// Hook runs after the view has been rebuilt or refreshed with data.
// The scoring and task-assignment engines register themselves here.
type Hook func(ctx context.Context) error

// Builder owns the retention view lifecycle: a rare, blocking rebuild when
// the view's shape changes and a frequent, non-blocking refresh otherwise.
type Builder struct {
	store store.Store
	qb    *QueryBuilder
	hooks []Hook
}

// NewBuilder creates a view builder
func NewBuilder(st store.Store, qb *QueryBuilder) *Builder {
	return &Builder{store: st, qb: qb}
}

// AfterRefresh registers hooks invoked after every successful rebuild or
// refresh. Hook failures are logged, never propagated: a failed downstream
// recomputation must not mark the refresh itself failed.
func (b *Builder) AfterRefresh(hooks ...Hook) {
	b.hooks = append(b.hooks, hooks...)
}

// Rebuild drops and recreates the view from the current extra-column
// configuration, then populates it with a blocking refresh. Runs at startup
// and whenever the extra-column configuration changes.
func (b *Builder) Rebuild(ctx context.Context) error {
	extras, err := b.store.ListExtraColumns(ctx)
	if err != nil {
		return err
	}

	selectSQL, skipped := b.qb.BuildSelect(extras)
	for _, reason := range skipped {
		logger.WarnCtx(ctx, "Skipping invalid extra column", zap.String("reason", reason))
	}

	logger.InfoCtx(ctx, "Rebuilding retention view",
		zap.Int("extra_columns", len(extras)-len(skipped)),
	)
	if err := b.store.RebuildRetentionView(ctx, selectSQL); err != nil {
		return err
	}
	if err := b.store.RefreshRetentionView(ctx, false); err != nil {
		return err
	}

	b.runHooks(ctx)
	return nil
}

// Refresh repopulates the view in place. It is skipped while any full sync
// is running, because a full sync may be truncating a fact table the view
// reads, and a missing view is rebuilt instead. The first refresh after a
// rebuild-without-data blocks; afterwards refreshes run concurrently so
// readers keep the previous contents during recomputation.
func (b *Builder) Refresh(ctx context.Context) error {
	fullRunning, err := b.store.IsFullSyncRunning(ctx)
	if err != nil {
		return err
	}
	if fullRunning {
		logger.DebugCtx(ctx, "Skipping view refresh, full sync running")
		return nil
	}

	exists, populated, err := b.store.RetentionViewState(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return b.Rebuild(ctx)
	}

	if err := b.store.RefreshRetentionView(ctx, populated); err != nil {
		return err
	}

	b.runHooks(ctx)
	return nil
}

func (b *Builder) runHooks(ctx context.Context) {
	for _, hook := range b.hooks {
		if err := hook(ctx); err != nil {
			logger.ErrorCtx(ctx, err)
		}
	}
}
