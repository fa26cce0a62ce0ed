package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/supabase-community/supabase-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"
	"abide-backend/internal/observability"
)

// SupabaseStore implements Store over the hosted Supabase Postgres.
// Every call goes through a shared circuit breaker so a struggling
// backend sheds load quickly instead of absorbing full retry storms.
type SupabaseStore struct {
	client  *supabase.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	clk     clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	alerts  *observability.AlertMonitor
}

// SupabaseConfig holds connection settings for the hosted store.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
}

// NewSupabaseStore creates the adapter. metrics and alerts may be nil.
func NewSupabaseStore(cfg SupabaseConfig, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, alerts *observability.AlertMonitor) (*SupabaseStore, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, nil)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Permanent client errors are the caller's problem, not a
			// sign of backend health.
			return err == nil || apperrors.KindOf(err) == apperrors.KindClient || errors.Is(err, ErrDuplicate)
		},
	})

	return &SupabaseStore{
		client:  client,
		breaker: breaker,
		tracer:  otel.Tracer("abide-backend/internal/remote"),
		clk:     clk,
		logger:  logger,
		metrics: metrics,
		alerts:  alerts,
	}, nil
}

func (s *SupabaseStore) Insert(ctx context.Context, collection string, record Record) error {
	return s.call(ctx, "remote.insert", collection, func() error {
		_, _, err := s.client.From(collection).Insert(record, false, "", "minimal", "").Execute()
		return classify("remote.insert", err)
	})
}

func (s *SupabaseStore) Select(ctx context.Context, collection string, filter Filter, dest any) error {
	return s.call(ctx, "remote.select", collection, func() error {
		query := s.client.From(collection).Select("*", "", false)
		for column, value := range filter {
			query = query.Eq(column, value)
		}
		_, err := query.ExecuteTo(dest)
		return classify("remote.select", err)
	})
}

func (s *SupabaseStore) Update(ctx context.Context, collection, id string, fields Record) error {
	return s.call(ctx, "remote.update", collection, func() error {
		_, _, err := s.client.From(collection).Update(fields, "minimal", "").Eq("id", id).Execute()
		return classify("remote.update", err)
	})
}

func (s *SupabaseStore) Delete(ctx context.Context, collection, id string) error {
	return s.call(ctx, "remote.delete", collection, func() error {
		_, _, err := s.client.From(collection).Delete("minimal", "").Eq("id", id).Execute()
		return classify("remote.delete", err)
	})
}

// call wraps one postgrest round trip with the breaker, a span, and
// latency/alert accounting.
func (s *SupabaseStore) call(ctx context.Context, op, collection string, fn func() error) error {
	_, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("db.collection", collection),
	))
	defer span.End()

	start := s.clk.Now()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	elapsed := s.clk.Now().Sub(start)

	s.metrics.RecordRemoteCall(op, elapsed)
	if s.alerts != nil {
		s.alerts.Observe(elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker rejected the call locally; report it as a
			// transient server-class failure so replay backs off.
			return apperrors.Server(op, 0, err)
		}
		return err
	}
	return nil
}

// classify maps a postgrest error onto the tagged taxonomy. Postgrest
// surfaces Postgres SQLSTATE codes in a "(code)" prefix; the class
// digits decide retryability.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Network(op, err)
	}

	code := sqlStateOf(err)
	switch {
	case code == "23505":
		// unique_violation on the idempotency id: the write already
		// happened, which is exactly what replay wants to hear.
		return ErrDuplicate
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"), strings.HasPrefix(code, "PGRST1"):
		// data/constraint/syntax errors: retrying cannot help.
		return apperrors.Client(op, 400, err)
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
		// connection/resource/shutdown classes: transient.
		return apperrors.Server(op, 503, err)
	default:
		return apperrors.Server(op, 500, err)
	}
}

// sqlStateOf extracts the "(code)" prefix postgrest puts on its errors.
func sqlStateOf(err error) string {
	msg := err.Error()
	if !strings.HasPrefix(msg, "(") {
		return ""
	}
	end := strings.IndexByte(msg, ')')
	if end < 0 {
		return ""
	}
	return msg[1:end]
}
