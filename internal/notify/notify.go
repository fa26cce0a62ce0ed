// Package notify delivers push notifications through a pluggable
// transport, with retry on transient delivery failures and pruning of
// subscriptions the push service reports as gone.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"
	"abide-backend/internal/observability"
	"abide-backend/internal/ratelimit"
	"abide-backend/internal/retry"
)

// Target identifies one push subscription.
type Target struct {
	UserID   string
	Endpoint string
}

// Transport sends one payload to one target. Implementations classify
// failures through apperrors so the notifier can tell a dead
// subscription from a flaky push service.
type Transport interface {
	Send(ctx context.Context, target Target, payload []byte) error
}

// StaleFunc is invoked when the push service reports a target gone for
// good, so the caller can drop the subscription.
type StaleFunc func(ctx context.Context, target Target)

// Notifier wraps a Transport with retry and per-user rate limiting.
type Notifier struct {
	transport Transport
	limits    *ratelimit.Registry
	clk       clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	policy    retry.Policy
	onStale   StaleFunc
}

// NewNotifier wires a notifier. onStale may be nil.
func NewNotifier(transport Transport, limits *ratelimit.Registry, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, onStale StaleFunc) *Notifier {
	return &Notifier{
		transport: transport,
		limits:    limits,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
		policy:    retry.PushPolicy(),
		onStale:   onStale,
	}
}

// Send delivers one notification. Transient transport failures are
// retried; a permanent failure marks the target stale instead of
// retrying, and the caller gets the error either way.
func (n *Notifier) Send(ctx context.Context, target Target, payload []byte) error {
	decision, err := n.limits.Check(ctx, ratelimit.ClassNotifications, target.UserID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apperrors.RateLimited("notify.send", decision.RetryAfter)
	}

	outcome := retry.Do(ctx, n.clk, n.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.transport.Send(ctx, target, payload)
	})
	n.metrics.RecordRetry("notify", outcome.Attempts, outcome.OK())

	if outcome.Err == nil {
		return nil
	}
	if apperrors.KindOf(outcome.Err) == apperrors.KindClient {
		n.logger.Info("push subscription gone, pruning",
			zap.String("userId", target.UserID),
			zap.String("endpoint", target.Endpoint),
		)
		if n.onStale != nil {
			n.onStale(ctx, target)
		}
	}
	return outcome.Err
}

// HTTPTransport posts payloads straight to the subscription endpoint.
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) Send(ctx context.Context, target Target, payload []byte) error {
	const op = "notify.push"

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Network(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(op, resp.StatusCode, resp.Header.Get("Retry-After"))
}

// classifyStatus maps a push service response onto an error kind. 404
// and 410 mean the subscription no longer exists; a 429 carries the
// service's Retry-After as a backoff hint for the retry loop.
func classifyStatus(op string, status int, retryAfter string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusNotFound, status == http.StatusGone:
		return apperrors.Client(op, status, errors.New("subscription gone"))
	case status == http.StatusTooManyRequests:
		err := apperrors.Server(op, status, errors.New("push service throttled"))
		err.RetryAfter = parseRetryAfter(retryAfter)
		return err
	case status >= 500:
		return apperrors.Server(op, status, fmt.Errorf("push service error %d", status))
	default:
		return apperrors.Client(op, status, fmt.Errorf("push rejected with %d", status))
	}
}

// parseRetryAfter handles both forms of the header: delay seconds and
// an HTTP date. Unparseable values yield no hint.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
