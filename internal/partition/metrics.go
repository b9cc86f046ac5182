package partition

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	operations metric.Int64Counter
	queueWait  metric.Int64Histogram
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/durable/partition")
	m := &metrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"durable.partition.operations",
		metric.WithDescription("Register operations executed by partition actors"),
	)
	logMetricInitError(logger, "durable.partition.operations", err)

	m.queueWait, err = meter.Int64Histogram(
		"durable.partition.queue_wait",
		metric.WithDescription("Time an operation waited in a partition mailbox"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "durable.partition.queue_wait", err)

	return m
}

func (m *metrics) recordWait(ctx context.Context, namespace, op string, wait time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	m.queueWait.Record(ctx, wait.Milliseconds(), metric.WithAttributes(
		attribute.String("durable.namespace", namespace),
		attribute.String("durable.partition.op", op),
	))
}

func (m *metrics) recordOperation(ctx context.Context, namespace, op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("durable.namespace", namespace),
		attribute.String("durable.partition.op", op),
		attribute.String("durable.partition.result", result),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
