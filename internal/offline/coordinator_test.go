package offline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"
	"abide-backend/internal/connectivity"
	"abide-backend/internal/kv"
	"abide-backend/internal/offline"
	"abide-backend/internal/ratelimit"
	"abide-backend/internal/remote"
	"abide-backend/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	fc      *clock.Fake
	store   *remote.FakeStore
	queue   *offline.Queue
	coord   *offline.Coordinator
	monitor *connectivity.Monitor
	kvStore *kv.MemoryStore
	limits  *ratelimit.Registry
}

func newHarness(t *testing.T, policies map[string]ratelimit.Policy) *harness {
	t.Helper()
	fc := clock.NewFake(time.Unix(90_000, 0))
	kvStore := kv.NewMemoryStore(fc)
	store := remote.NewFakeStore()
	monitor := connectivity.NewMonitor(false)

	if policies == nil {
		policies = map[string]ratelimit.Policy{
			ratelimit.ClassCommunityPosts: {Limit: 1000, Window: time.Hour},
			ratelimit.ClassInteractions:   {Limit: 1000, Window: time.Hour},
		}
	}
	limits := ratelimit.NewRegistry(policies, ratelimit.NewLocalStore(), fc, zap.NewNop(), nil)

	queue := offline.NewQueue(kvStore, fc, zap.NewNop(), nil)
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, BackoffFactor: 2}
	coord := offline.NewCoordinator(queue, store, limits, monitor, fc, zap.NewNop(), nil, policy, 0)

	return &harness{fc: fc, store: store, queue: queue, coord: coord, monitor: monitor, kvStore: kvStore, limits: limits}
}

// syncAll runs a pass while a pump goroutine advances the fake clock
// through any backoff waits.
func (h *harness) syncAll(t *testing.T) offline.Report {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if h.fc.PendingWaiters() > 0 {
				h.fc.Advance(time.Minute)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	done := make(chan offline.Report, 1)
	go func() {
		report, err := h.coord.SyncAll(context.Background())
		require.NoError(t, err)
		done <- report
	}()
	select {
	case report := <-done:
		return report
	case <-time.After(5 * time.Second):
		t.Fatal("sync pass did not finish")
		return offline.Report{}
	}
}

func enqueuePost(t *testing.T, h *harness, id string) offline.Item {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), offline.Item{
		ID:         id,
		OwnerID:    "u1",
		Category:   ratelimit.ClassCommunityPosts,
		Collection: "posts",
		Payload:    remote.Record{"body": "praying for you", "owner_id": "u1"},
	})
	require.NoError(t, err)
	return item
}

func TestReplayExactlyOnceDespiteTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	enqueuePost(t, h, "abc")

	// First remote attempt fails transiently; the in-pass retry must
	// succeed without creating a duplicate record.
	h.store.FailNext(apperrors.Server("remote.insert", 503, errors.New("unavailable")))

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Committed)

	rows := h.store.Rows("posts")
	require.Len(t, rows, 1)
	_, ok := rows["abc"]
	assert.True(t, ok, "record carries the client idempotency id")

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "queue is drained after commit")
}

func TestDuplicateReplayIsCommitted(t *testing.T) {
	h := newHarness(t, nil)

	// The remote already has the record: a crash between commit and
	// local delete left the item queued.
	require.NoError(t, h.store.Insert(context.Background(), "posts", remote.Record{"id": "abc"}))
	enqueuePost(t, h, "abc")

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Committed)
	assert.Len(t, h.store.Rows("posts"), 1, "no second record")
}

func TestPermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	enqueuePost(t, h, "bad")
	h.store.FailNext(apperrors.Client("remote.insert", 400, errors.New("validation failed")))

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, 1, h.store.Inserts(), "permanent failures are not retried")

	dead, err := h.queue.Dead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ID)
	assert.Equal(t, offline.StateDead, dead[0].State)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayCapDeadLettersAfterMaxPasses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	enqueuePost(t, h, "stuck")

	// Each pass makes 2 attempts (policy), all failing transiently.
	transient := func() {
		h.store.FailNext(
			apperrors.Server("remote.insert", 503, errors.New("down")),
			apperrors.Server("remote.insert", 503, errors.New("down")),
		)
	}

	transient()
	report := h.syncAll(t)
	assert.Equal(t, 1, report.Requeued)

	transient()
	report = h.syncAll(t)
	assert.Equal(t, 1, report.Requeued)

	transient()
	report = h.syncAll(t)
	assert.Equal(t, 1, report.Dead, "third failed pass hits the replay cap")

	dead, err := h.queue.Dead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].RetryCount)
}

func TestReplayCapIsConfigurable(t *testing.T) {
	h := newHarness(t, nil)
	h.coord = offline.NewCoordinator(
		h.queue, h.store, h.limits, h.monitor, h.fc, zap.NewNop(), nil,
		retry.Policy{MaxAttempts: 1}, 1)

	enqueuePost(t, h, "stuck")
	h.store.FailNext(apperrors.Server("remote.insert", 503, errors.New("down")))

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Dead, "a cap of one dead-letters on the first failed pass")
	assert.Equal(t, 0, report.Requeued)

	dead, err := h.queue.Dead(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "stuck", dead[0].ID)
}

func TestSyncReplaysFIFO(t *testing.T) {
	h := newHarness(t, nil)

	first := enqueuePost(t, h, "first")
	h.fc.Advance(time.Second)
	second := enqueuePost(t, h, "second")
	require.True(t, first.CreatedAt.Before(second.CreatedAt))

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].ID)
	assert.Equal(t, "second", pending[1].ID)

	report := h.syncAll(t)
	assert.Equal(t, 2, report.Committed)
}

func TestOneBadItemDoesNotAbortThePass(t *testing.T) {
	h := newHarness(t, nil)

	enqueuePost(t, h, "poison")
	h.fc.Advance(time.Second)
	enqueuePost(t, h, "healthy")

	h.store.FailNext(apperrors.Client("remote.insert", 400, errors.New("bad payload")))

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Dead)
	assert.Equal(t, 1, report.Committed, "the rest of the queue still drains")
}

func TestRateLimitDenialPausesThePass(t *testing.T) {
	h := newHarness(t, map[string]ratelimit.Policy{
		ratelimit.ClassCommunityPosts: {Limit: 1, Window: time.Hour},
	})

	enqueuePost(t, h, "one")
	h.fc.Advance(time.Second)
	enqueuePost(t, h, "two")

	report := h.syncAll(t)
	assert.Equal(t, 1, report.Committed)
	assert.Greater(t, report.RetryAfter, time.Duration(0), "pass stops and reports when to resume")

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the denied item stays queued")
}

func TestQueueSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	enqueuePost(t, h, "durable")

	// A new queue over the same durable store models a reload.
	reopened := offline.NewQueue(h.kvStore, h.fc, zap.NewNop(), nil)
	pending, err := reopened.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "durable", pending[0].ID)
	assert.Equal(t, offline.StatePending, pending[0].State)
}

// gatedStore blocks Insert until released, to hold a sync pass open.
type gatedStore struct {
	*remote.FakeStore
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Insert(ctx context.Context, collection string, record remote.Record) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.FakeStore.Insert(ctx, collection, record)
}

func TestSyncAllIsReentrantGuarded(t *testing.T) {
	h := newHarness(t, nil)
	gated := &gatedStore{FakeStore: h.store, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h.coord = offline.NewCoordinator(h.queue, gated, h.limits, h.monitor, h.fc, zap.NewNop(), nil, retry.Policy{MaxAttempts: 1}, 0)

	enqueuePost(t, h, "held")

	firstDone := make(chan offline.Report, 1)
	go func() {
		report, err := h.coord.SyncAll(context.Background())
		require.NoError(t, err)
		firstDone <- report
	}()

	// Once the first pass is inside the gated insert, a second call
	// must no-op rather than drain concurrently.
	<-gated.entered
	report, err := h.coord.SyncAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(gated.gate)
	report = <-firstDone
	assert.Equal(t, 1, report.Committed)
}

func TestConnectivityEdgeTriggersSync(t *testing.T) {
	h := newHarness(t, nil)
	enqueuePost(t, h, "offline-post")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.coord.Run(ctx)
		close(done)
	}()

	h.monitor.Set(true)

	assert.Eventually(t, func() bool {
		pending, err := h.queue.Pending(context.Background())
		require.NoError(t, err)
		return len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond, "going online drains the queue")
	assert.Len(t, h.store.Rows("posts"), 1)

	cancel()
	<-done
}
