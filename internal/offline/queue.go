// Package offline implements the durable mutation queue and the sync
// coordinator that replays it. A write that cannot complete
// synchronously is persisted here first, so the user sees "saved,
// will sync" instead of an error, and survives a process restart.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abide-backend/internal/clock"
	"abide-backend/internal/kv"
	"abide-backend/internal/observability"
	"abide-backend/internal/remote"
)

// Op is the remote mutation type an Item replays as.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State is an Item's position in its lifecycle. Committed items are
// removed rather than stored, and InFlight only exists during a sync
// pass, so at rest an item is Pending or Dead.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateDead     State = "dead"
)

// Item is one queued mutation. ID doubles as the idempotency key sent
// with the remote write, so a duplicate replay after a crash between
// commit and local delete is a no-op remotely.
type Item struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"ownerId"`
	Category   string        `json:"category"` // rate-limit resource class
	Collection string        `json:"collection"`
	Op         Op            `json:"op"`
	Payload    remote.Record `json:"payload"`
	CreatedAt  time.Time     `json:"createdAt"`
	RetryCount int           `json:"retryCount"`
	State      State         `json:"state"`
}

const (
	pendingPrefix = "queue/pending/"
	deadPrefix    = "queue/dead/"
)

// Queue persists Items in the durable key-value store. Keys embed the
// creation timestamp so a prefix listing yields FIFO order.
type Queue struct {
	kv      kv.Store
	clk     clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewQueue creates a queue over the given durable store.
func NewQueue(store kv.Store, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{kv: store, clk: clk, logger: logger, metrics: metrics}
}

// Enqueue persists a mutation for later replay. The item's id is
// assigned here if the caller did not pick one, and the item is
// durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Op == "" {
		item.Op = OpInsert
	}
	item.CreatedAt = q.clk.Now()
	item.State = StatePending

	if err := q.put(ctx, pendingPrefix, item); err != nil {
		return Item{}, err
	}
	q.logger.Info("mutation queued for sync",
		zap.String("id", item.ID),
		zap.String("collection", item.Collection),
		zap.String("category", item.Category),
	)
	q.updateDepth(ctx)
	return item, nil
}

// Pending returns queued items in FIFO order by creation time.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	return q.list(ctx, pendingPrefix)
}

// Dead returns items that exhausted their replay attempts. They are
// retained for manual attention, never silently discarded.
func (q *Queue) Dead(ctx context.Context) ([]Item, error) {
	return q.list(ctx, deadPrefix)
}

// Commit removes a successfully replayed item.
func (q *Queue) Commit(ctx context.Context, item Item) error {
	if err := q.kv.Delete(ctx, itemKey(pendingPrefix, item)); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

// Requeue returns a transiently failed item to Pending with its retry
// count incremented.
func (q *Queue) Requeue(ctx context.Context, item Item) (Item, error) {
	item.RetryCount++
	item.State = StatePending
	if err := q.put(ctx, pendingPrefix, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// MarkDead moves an item to the dead set, keeping its position key so
// relative order among dead items is preserved.
func (q *Queue) MarkDead(ctx context.Context, item Item) error {
	item.State = StateDead
	if err := q.put(ctx, deadPrefix, item); err != nil {
		return err
	}
	if err := q.kv.Delete(ctx, itemKey(pendingPrefix, item)); err != nil {
		return err
	}
	q.updateDepth(ctx)
	return nil
}

// MarkInFlight records that a sync pass has taken the item.
func (q *Queue) MarkInFlight(ctx context.Context, item Item) (Item, error) {
	item.State = StateInFlight
	if err := q.put(ctx, pendingPrefix, item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	keys, err := q.kv.List(ctx, pendingPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (q *Queue) put(ctx context.Context, prefix string, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, itemKey(prefix, item), raw, 0)
}

func (q *Queue) list(ctx context.Context, prefix string) ([]Item, error) {
	keys, err := q.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		raw, err := q.kv.Get(ctx, key)
		if err != nil {
			if err == kv.ErrNotFound {
				continue // removed between list and get
			}
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			q.logger.Error("corrupt queue item, dropping", zap.String("key", key), zap.Error(err))
			_ = q.kv.Delete(ctx, key)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if depth, err := q.Depth(ctx); err == nil {
		q.metrics.SetQueueDepth(depth)
	}
}

// itemKey embeds the zero-padded creation time so lexicographic key
// order is FIFO order.
func itemKey(prefix string, item Item) string {
	return fmt.Sprintf("%s%020d-%s", prefix, item.CreatedAt.UnixNano(), item.ID)
}
