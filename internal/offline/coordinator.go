package offline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"
	"abide-backend/internal/connectivity"
	"abide-backend/internal/observability"
	"abide-backend/internal/ratelimit"
	"abide-backend/internal/remote"
	"abide-backend/internal/retry"
)

// DefaultMaxReplays is the replay cap applied when the caller does not
// configure one.
const DefaultMaxReplays = 3

// Report summarizes one sync pass.
type Report struct {
	Committed int
	Requeued  int
	Dead      int

	// Skipped is set when another pass was already in flight.
	Skipped bool

	// RetryAfter is set when the pass stopped early on a rate-limit
	// denial; the caller should try again after it elapses.
	RetryAfter time.Duration
}

// Coordinator drains the queue against the remote store when
// connectivity returns. One coordinator instance owns one queue.
type Coordinator struct {
	queue      *Queue
	store      remote.Store
	limits     *ratelimit.Registry
	monitor    *connectivity.Monitor
	clk        clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	policy     retry.Policy
	maxReplays int
	tracer     trace.Tracer

	syncing atomic.Bool
}

// NewCoordinator wires the sync coordinator. policy governs the retry
// behavior of each individual replay; maxReplays caps how many passes
// an item survives before dead-lettering, with 0 meaning
// DefaultMaxReplays.
func NewCoordinator(queue *Queue, store remote.Store, limits *ratelimit.Registry, monitor *connectivity.Monitor, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, policy retry.Policy, maxReplays int) *Coordinator {
	if maxReplays <= 0 {
		maxReplays = DefaultMaxReplays
	}
	return &Coordinator{
		queue:      queue,
		store:      store,
		limits:     limits,
		monitor:    monitor,
		clk:        clk,
		logger:     logger,
		metrics:    metrics,
		policy:     policy,
		maxReplays: maxReplays,
		tracer:     otel.Tracer("abide-backend/internal/offline"),
	}
}

// SyncAll drains the pending queue in FIFO order. A call while a pass
// is already in flight is a no-op, not a second concurrent drain.
func (c *Coordinator) SyncAll(ctx context.Context) (Report, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer c.syncing.Store(false)

	ctx, span := c.tracer.Start(ctx, "offline.sync_all")
	defer span.End()

	items, err := c.queue.Pending(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		decision, err := c.limits.Check(ctx, item.Category, item.OwnerID)
		if err != nil {
			c.logger.Error("rate limit check failed during sync", zap.String("id", item.ID), zap.Error(err))
			continue
		}
		if !decision.Allowed {
			// Stop the pass instead of busy-looping; the run loop
			// reschedules after RetryAfter.
			report.RetryAfter = decision.RetryAfter
			c.logger.Info("sync pass paused by rate limiter",
				zap.String("category", item.Category),
				zap.Duration("retryAfter", decision.RetryAfter),
			)
			break
		}

		c.replay(ctx, item, &report)
	}

	span.SetAttributes(
		attribute.Int("sync.committed", report.Committed),
		attribute.Int("sync.requeued", report.Requeued),
		attribute.Int("sync.dead", report.Dead),
	)
	return report, nil
}

// replay pushes one item through retry against the remote store. A
// failing item is recorded and skipped; it never aborts the pass.
func (c *Coordinator) replay(ctx context.Context, item Item, report *Report) {
	item, err := c.queue.MarkInFlight(ctx, item)
	if err != nil {
		c.logger.Error("failed to mark queue item in flight", zap.String("id", item.ID), zap.Error(err))
		return
	}

	outcome := retry.Do(ctx, c.clk, c.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.apply(ctx, item)
	})
	c.metrics.RecordRetry("offline_replay", outcome.Attempts, outcome.OK())

	switch {
	case outcome.Err == nil, errors.Is(outcome.Err, remote.ErrDuplicate):
		// ErrDuplicate means a previous replay committed but the local
		// delete was lost; either way the write is durable remotely.
		if err := c.queue.Commit(ctx, item); err != nil {
			c.logger.Error("failed to remove committed queue item", zap.String("id", item.ID), zap.Error(err))
			return
		}
		report.Committed++
		c.metrics.RecordSyncOutcome("committed")

	case apperrors.KindOf(outcome.Err) == apperrors.KindClient:
		// Permanent: replaying can never succeed.
		c.deadLetter(ctx, item, report, outcome.Err)

	default:
		if item.RetryCount+1 >= c.maxReplays {
			c.deadLetter(ctx, item, report, outcome.Err)
			return
		}
		if _, err := c.queue.Requeue(ctx, item); err != nil {
			c.logger.Error("failed to requeue item", zap.String("id", item.ID), zap.Error(err))
			return
		}
		report.Requeued++
		c.metrics.RecordSyncOutcome("requeued")
		c.logger.Warn("replay failed transiently, will retry next pass",
			zap.String("id", item.ID),
			zap.Int("retryCount", item.RetryCount+1),
			zap.Error(outcome.Err),
		)
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, item Item, report *Report, cause error) {
	if err := c.queue.MarkDead(ctx, item); err != nil {
		c.logger.Error("failed to dead-letter item", zap.String("id", item.ID), zap.Error(err))
		return
	}
	report.Dead++
	c.metrics.RecordSyncOutcome("dead")
	c.logger.Error("queue item needs manual attention",
		zap.String("id", item.ID),
		zap.String("collection", item.Collection),
		zap.Error(apperrors.QueueDead("offline.replay", cause)),
	)
}

// apply executes the item's mutation. The item id rides along as the
// idempotency key on inserts.
func (c *Coordinator) apply(ctx context.Context, item Item) error {
	switch item.Op {
	case OpInsert:
		payload := make(remote.Record, len(item.Payload)+1)
		for k, v := range item.Payload {
			payload[k] = v
		}
		payload["id"] = item.ID
		return c.store.Insert(ctx, item.Collection, payload)
	case OpUpdate:
		return c.store.Update(ctx, item.Collection, item.ID, item.Payload)
	case OpDelete:
		return c.store.Delete(ctx, item.Collection, item.ID)
	default:
		return apperrors.Internal("offline.apply", errors.New("unknown op "+string(item.Op)))
	}
}

// Run triggers SyncAll on every offline-to-online edge and honors
// rate-limit pauses. It blocks until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	edges, cancel := c.monitor.Subscribe()
	defer cancel()

	var wakeup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-edges:
			if !online {
				continue
			}
			wakeup = c.syncAndSchedule(ctx)
		case <-wakeup:
			wakeup = nil
			if c.monitor.Online() {
				wakeup = c.syncAndSchedule(ctx)
			}
		}
	}
}

func (c *Coordinator) syncAndSchedule(ctx context.Context) <-chan time.Time {
	report, err := c.SyncAll(ctx)
	if err != nil {
		c.logger.Error("sync pass failed", zap.Error(err))
		return nil
	}
	if report.RetryAfter > 0 {
		return c.clk.After(report.RetryAfter)
	}
	return nil
}
