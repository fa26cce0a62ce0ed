package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"abide-backend/internal/clock"
)

// AlertKind identifies what measurement crossed a threshold.
type AlertKind string

const (
	AlertErrorRate    AlertKind = "error_rate"
	AlertFailureCount AlertKind = "failure_count"
	AlertResponseTime AlertKind = "response_time"
	AlertSuccessRate  AlertKind = "success_rate"
)

// Severity ranks an alert for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertEvent is one threshold crossing. Events are append-only and kept
// in a capped ring buffer; old events fall off the front.
type AlertEvent struct {
	Kind      AlertKind
	Severity  Severity
	Value     float64
	Threshold float64
	At        time.Time
}

// Thresholds configures when observations raise alerts.
type Thresholds struct {
	ErrorRate      float64       // fraction of failed calls, 0 disables
	FailureCount   int           // consecutive failures, 0 disables
	ResponseTime   time.Duration // per-call latency ceiling, 0 disables
	SuccessRateLow float64       // alert when success rate drops below, 0 disables
}

// AlertMonitor watches call outcomes and records AlertEvents.
type AlertMonitor struct {
	mu         sync.Mutex
	clk        clock.Clock
	logger     *zap.Logger
	thresholds Thresholds

	events   []AlertEvent
	capacity int

	total       int
	failures    int
	consecutive int
}

// NewAlertMonitor creates a monitor with the given buffer capacity.
func NewAlertMonitor(clk clock.Clock, logger *zap.Logger, thresholds Thresholds, capacity int) *AlertMonitor {
	if capacity <= 0 {
		capacity = 128
	}
	return &AlertMonitor{
		clk:        clk,
		logger:     logger,
		thresholds: thresholds,
		capacity:   capacity,
	}
}

// Observe feeds one remote call outcome into the monitor.
func (a *AlertMonitor) Observe(duration time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if err != nil {
		a.failures++
		a.consecutive++
	} else {
		a.consecutive = 0
	}

	if t := a.thresholds.ResponseTime; t > 0 && duration > t {
		a.record(AlertResponseTime, SeverityMedium, duration.Seconds(), t.Seconds())
	}
	if t := a.thresholds.FailureCount; t > 0 && a.consecutive >= t {
		a.record(AlertFailureCount, SeverityHigh, float64(a.consecutive), float64(t))
	}
	if a.total >= 10 {
		errorRate := float64(a.failures) / float64(a.total)
		if t := a.thresholds.ErrorRate; t > 0 && errorRate > t {
			a.record(AlertErrorRate, SeverityHigh, errorRate, t)
		}
		if t := a.thresholds.SuccessRateLow; t > 0 && 1-errorRate < t {
			a.record(AlertSuccessRate, SeverityCritical, 1-errorRate, t)
		}
	}
}

// record must be called with the mutex held.
func (a *AlertMonitor) record(kind AlertKind, severity Severity, value, threshold float64) {
	event := AlertEvent{
		Kind:      kind,
		Severity:  severity,
		Value:     value,
		Threshold: threshold,
		At:        a.clk.Now(),
	}
	a.events = append(a.events, event)
	if len(a.events) > a.capacity {
		a.events = a.events[len(a.events)-a.capacity:]
	}
	if a.logger != nil {
		a.logger.Warn("alert threshold crossed",
			zap.String("kind", string(kind)),
			zap.String("severity", string(severity)),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold),
		)
	}
}

// Events returns a snapshot of the buffered alerts, oldest first.
func (a *AlertMonitor) Events() []AlertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AlertEvent, len(a.events))
	copy(out, a.events)
	return out
}
