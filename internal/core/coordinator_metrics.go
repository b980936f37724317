package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	requests     metric.Int64Counter
	grants       metric.Int64Counter
	releases     metric.Int64Counter
	mismatches   metric.Int64Counter
	waitDuration metric.Int64Histogram
	holdDuration metric.Int64Histogram
	queueDepth   metric.Int64ObservableGauge
	releaseDepth metric.Int64ObservableGauge
	holderActive metric.Int64ObservableGauge
}

func newCoordinatorMetrics(c *Coordinator, logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/coordd/core")
	m := &coordinatorMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"coordd.requests",
		metric.WithDescription("Requests dequeued by the coordinator"),
	)
	logMetricInitError(logger, "coordd.requests", err)

	m.grants, err = meter.Int64Counter(
		"coordd.grants",
		metric.WithDescription("Grants issued"),
	)
	logMetricInitError(logger, "coordd.grants", err)

	m.releases, err = meter.Int64Counter(
		"coordd.releases",
		metric.WithDescription("Releases that ended a hold"),
	)
	logMetricInitError(logger, "coordd.releases", err)

	m.mismatches, err = meter.Int64Counter(
		"coordd.release.mismatch",
		metric.WithDescription("Releases naming a process other than the holder"),
	)
	logMetricInitError(logger, "coordd.release.mismatch", err)

	m.waitDuration, err = meter.Int64Histogram(
		"coordd.wait.duration_ms",
		metric.WithDescription("Time from enqueue to grant"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "coordd.wait.duration_ms", err)

	m.holdDuration, err = meter.Int64Histogram(
		"coordd.hold.duration_ms",
		metric.WithDescription("Time from grant to release"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "coordd.hold.duration_ms", err)

	m.queueDepth, err = meter.Int64ObservableGauge(
		"coordd.queue.depth",
		metric.WithDescription("Requests waiting for the coordinator"),
	)
	logMetricInitError(logger, "coordd.queue.depth", err)

	m.releaseDepth, err = meter.Int64ObservableGauge(
		"coordd.release_queue.depth",
		metric.WithDescription("Releases waiting for the coordinator"),
	)
	logMetricInitError(logger, "coordd.release_queue.depth", err)

	m.holderActive, err = meter.Int64ObservableGauge(
		"coordd.holder.active",
		metric.WithDescription("1 while a process holds the critical region"),
	)
	logMetricInitError(logger, "coordd.holder.active", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.queueDepth, int64(c.queues.Requests.Len()))
		o.ObserveInt64(m.releaseDepth, int64(c.queues.Releases.Len()))
		var active int64
		if _, ok := c.Holder(); ok {
			active = 1
		}
		o.ObserveInt64(m.holderActive, active)
		return nil
	}, m.queueDepth, m.releaseDepth, m.holderActive); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "coordd.queue.depth", "error", err)
	}
	return m
}

func (m *coordinatorMetrics) recordRequest(ctx context.Context) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1)
}

func (m *coordinatorMetrics) recordGrant(ctx context.Context, waited time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.grants != nil {
		m.grants.Add(ctx, 1)
	}
	if m.waitDuration != nil {
		m.waitDuration.Record(ctx, waited.Milliseconds())
	}
}

func (m *coordinatorMetrics) recordRelease(ctx context.Context, held time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.releases != nil {
		m.releases.Add(ctx, 1)
	}
	if m.holdDuration != nil {
		m.holdDuration.Record(ctx, held.Milliseconds())
	}
}

func (m *coordinatorMetrics) recordMismatch(ctx context.Context, policy ReleasePolicy) {
	if m == nil || m.mismatches == nil {
		return
	}
	m.mismatches.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("coordd.release_policy", string(policy)),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
