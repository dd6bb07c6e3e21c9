package retention

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clearviewfx/retention-engine/internal/logger"
)

const queueSize = 16

// Queue serializes assignment recomputations on a single worker. Task CRUD
// in the admin surface and the view builder both request recomputes; the
// queue coalesces that burstiness into one run at a time, and a failed run
// is observable in the logs instead of vanishing into a dropped goroutine.
type Queue struct {
	engine *Engine
	pool   pond.Pool
}

// NewQueue creates the recompute queue and its worker
func NewQueue(ctx context.Context, engine *Engine) *Queue {
	return &Queue{
		engine: engine,
		pool: pond.NewPool(
			1,
			pond.WithQueueSize(queueSize),
			pond.WithContext(ctx),
		),
	}
}

// EnqueueRecompute schedules a full assignment recomputation. Each request
// carries an event id so a failed run can be traced back to whichever
// trigger queued it.
func (q *Queue) EnqueueRecompute(ctx context.Context) {
	eventID := uuid.NewString()
	logger.DebugCtx(ctx, "Assignment recompute queued", zap.String("event_id", eventID))
	q.pool.SubmitErr(func() error {
		err := q.engine.RecomputeAllAssignments(ctx)
		if err != nil {
			logger.ErrorCtx(ctx, err, zap.String("event_id", eventID))
		}
		return err
	})
}

// Stop drains the queue and stops the worker
func (q *Queue) Stop() {
	q.pool.StopAndWait()
}
