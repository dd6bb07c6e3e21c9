package syncer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/adapter"
	"github.com/clearviewfx/retention-engine/internal/config"
	"github.com/clearviewfx/retention-engine/internal/domain"
	"github.com/clearviewfx/retention-engine/internal/logger"
	"github.com/clearviewfx/retention-engine/internal/store"
)

// env carries the shared collaborators every pipeline run needs
type env struct {
	store store.Store
	clock adapter.Clock
	cfg   config.SyncConfig
}

// pageFetcher returns one source page. since is nil for full syncs.
type pageFetcher[T any] func(ctx context.Context, offset, limit int, since *time.Time) ([]T, error)

// pageWriter upserts one fetched page into the local fact table
type pageWriter[T any] func(ctx context.Context, rows []T) error

// tableSyncer is one fact table's sync pipeline, erased of its row type so
// the syncer can hold all pipelines in one registry
type tableSyncer interface {
	category() domain.JobCategory
	runFull(ctx context.Context, e *env) (int64, error)
	runIncremental(ctx context.Context, e *env, since time.Time) (int64, error)
}

type pipeline[T any] struct {
	cat       domain.JobCategory
	batchSize int
	// lazyTruncate defers the full-sync truncate until the first page has
	// been fetched, so an unreachable source never empties the local table
	lazyTruncate bool
	fetch        pageFetcher[T]
	write        pageWriter[T]
}

func (p *pipeline[T]) category() domain.JobCategory { return p.cat }

// runFull reloads the whole fact table: truncate, then page through the
// source from offset zero until a short page signals the end.
func (p *pipeline[T]) runFull(ctx context.Context, e *env) (int64, error) {
	if !p.lazyTruncate {
		if err := e.store.TruncateFactTable(ctx, p.cat); err != nil {
			return 0, err
		}
	}
	return p.runPages(ctx, e, nil, e.cfg.FullRetries, p.lazyTruncate)
}

// runIncremental upserts every source row modified at or after since.
// Nothing is truncated; rows deleted upstream simply stop being refreshed.
func (p *pipeline[T]) runIncremental(ctx context.Context, e *env, since time.Time) (int64, error) {
	return p.runPages(ctx, e, &since, e.cfg.IncrementalRetries, false)
}

func (p *pipeline[T]) runPages(ctx context.Context, e *env, since *time.Time, maxRetries int, truncateAfterFirstFetch bool) (int64, error) {
	var total int64
	for offset := 0; ; offset += p.batchSize {
		rows, err := fetchPageWithRetry(ctx, e, p.cat, p.fetch, offset, p.batchSize, since, maxRetries)
		if err != nil {
			return total, err
		}

		if truncateAfterFirstFetch && offset == 0 {
			if err := e.store.TruncateFactTable(ctx, p.cat); err != nil {
				return total, err
			}
		}

		if len(rows) > 0 {
			if err := p.write(ctx, rows); err != nil {
				return total, err
			}
			total += int64(len(rows))
		}

		logger.DebugCtx(ctx, "Synced page",
			zap.String("category", string(p.cat)),
			zap.Int("offset", offset),
			zap.Int("rows", len(rows)),
		)

		if len(rows) < p.batchSize {
			return total, nil
		}
	}
}

// isPermanentQueryError reports whether err is a programming error in the
// fetch query itself. A broken query fails identically on every attempt.
// Driver error types are matched structurally so this package stays off
// the driver packages.
func isPermanentQueryError(err error) bool {
	// SQLSTATE class 42 covers syntax errors and undefined objects
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.SQLState(), "42")
	}

	var msErr interface{ SQLErrorNumber() int32 }
	if errors.As(err, &msErr) {
		switch msErr.SQLErrorNumber() {
		case 102, 207, 208: // syntax error, invalid column, invalid object
			return true
		}
	}
	return false
}

// fetchPageWithRetry retries a single page fetch with exponential backoff
// and jitter. Context cancellation and broken queries abort the retry loop
// immediately.
func fetchPageWithRetry[T any](
	ctx context.Context,
	e *env,
	cat domain.JobCategory,
	fetch pageFetcher[T],
	offset, limit int,
	since *time.Time,
	maxRetries int,
) ([]T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitialWait
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	var rows []T
	operation := func() error {
		var err error
		rows, err = fetch(ctx, offset, limit, since)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isPermanentQueryError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var attemptCount int
	notifyOnError := func(err error, duration time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Page fetch failed, retrying",
			zap.Error(err),
			zap.String("category", string(cat)),
			zap.Int("offset", offset),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", duration),
		)
	}

	if err := backoff.RetryNotify(operation, policy, notifyOnError); err != nil {
		return nil, err
	}
	return rows, nil
}
