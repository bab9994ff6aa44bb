package daemon

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/autoresume/autoresume/internal/deliver"
	"github.com/autoresume/autoresume/internal/scheduler"
)

const meterName = "github.com/autoresume/autoresume/daemon"

// daemonMetrics holds OTel instruments for the daemon.
// All methods are nil-safe so callers don't need to guard against disabled telemetry.
type daemonMetrics struct {
	// heartbeatTotal counts heartbeat writes.
	heartbeatTotal metric.Int64Counter

	// detectionTotal counts detections the daemon picked up, by source.
	detectionTotal metric.Int64Counter

	// attemptTotal counts delivery attempts, by verification outcome.
	attemptTotal metric.Int64Counter

	// tierTotal counts channel uses, by tier.
	tierTotal metric.Int64Counter

	// cycleTotal counts finished resume cycles, by outcome.
	cycleTotal metric.Int64Counter

	// watchdogFailures counts failed self-checks.
	watchdogFailures metric.Int64Counter

	mu      sync.RWMutex
	pending int64
}

// newDaemonMetrics registers all daemon OTel instruments against the global
// MeterProvider. With no provider configured the instruments are no-ops.
func newDaemonMetrics() (*daemonMetrics, error) {
	m := otel.GetMeterProvider().Meter(meterName)
	dm := &daemonMetrics{}

	var err error
	dm.heartbeatTotal, err = m.Int64Counter("autoresume.daemon.heartbeat.total",
		metric.WithDescription("Total number of daemon heartbeats"),
	)
	if err != nil {
		return nil, err
	}

	dm.detectionTotal, err = m.Int64Counter("autoresume.detection.total",
		metric.WithDescription("Detections picked up by the daemon"),
	)
	if err != nil {
		return nil, err
	}

	dm.attemptTotal, err = m.Int64Counter("autoresume.resume.attempt.total",
		metric.WithDescription("Resume delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	dm.tierTotal, err = m.Int64Counter("autoresume.resume.tier.total",
		metric.WithDescription("Delivery channel uses"),
	)
	if err != nil {
		return nil, err
	}

	dm.cycleTotal, err = m.Int64Counter("autoresume.resume.cycle.total",
		metric.WithDescription("Finished resume cycles"),
	)
	if err != nil {
		return nil, err
	}

	dm.watchdogFailures, err = m.Int64Counter("autoresume.daemon.watchdog.failures",
		metric.WithDescription("Failed daemon self-checks"),
	)
	if err != nil {
		return nil, err
	}

	pendingGauge, err := m.Int64ObservableGauge("autoresume.queue.pending",
		metric.WithDescription("Active detections in the queue"),
	)
	if err != nil {
		return nil, err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		dm.mu.RLock()
		defer dm.mu.RUnlock()
		o.ObserveInt64(pendingGauge, dm.pending)
		return nil
	}, pendingGauge)
	if err != nil {
		return nil, err
	}

	return dm, nil
}

func (dm *daemonMetrics) recordHeartbeat(ctx context.Context) {
	if dm == nil {
		return
	}
	dm.heartbeatTotal.Add(ctx, 1)
}

// recordDetection counts a detection, labeled "hook" or "poller".
func (dm *daemonMetrics) recordDetection(ctx context.Context, source string) {
	if dm == nil {
		return
	}
	dm.detectionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (dm *daemonMetrics) recordWatchdogFailure(ctx context.Context, check string) {
	if dm == nil {
		return
	}
	dm.watchdogFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("check", check)))
}

func (dm *daemonMetrics) setPending(n int) {
	if dm == nil {
		return
	}
	dm.mu.Lock()
	dm.pending = int64(n)
	dm.mu.Unlock()
}

// RecordAttempt implements scheduler.Metrics.
func (dm *daemonMetrics) RecordAttempt(ctx context.Context, report deliver.Report, verified bool) {
	if dm == nil {
		return
	}
	dm.attemptTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("delivered", report.Success),
		attribute.Bool("verified", verified),
	))
	for _, t := range report.Tiers {
		dm.tierTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(t))))
	}
}

// RecordCycle implements scheduler.Metrics.
func (dm *daemonMetrics) RecordCycle(ctx context.Context, outcome scheduler.State, attempts int) {
	if dm == nil {
		return
	}
	dm.cycleTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Int("attempts", attempts),
	))
}
