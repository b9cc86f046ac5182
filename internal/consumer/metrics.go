package consumer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type consumerMetrics struct {
	acked        metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
}

func newConsumerMetrics(logger pslog.Logger) *consumerMetrics {
	meter := otel.Meter("pkt.systems/durable/consumer")
	m := &consumerMetrics{}
	var err error

	m.acked, err = meter.Int64Counter(
		"durable.consumer.acked",
		metric.WithDescription("Messages acknowledged by the handler"),
	)
	logMetricInitError(logger, "durable.consumer.acked", err)

	m.retried, err = meter.Int64Counter(
		"durable.consumer.retried",
		metric.WithDescription("Messages scheduled for redelivery"),
	)
	logMetricInitError(logger, "durable.consumer.retried", err)

	m.deadLettered, err = meter.Int64Counter(
		"durable.consumer.dead_lettered",
		metric.WithDescription("Messages moved to the dead-letter queue or dropped"),
	)
	logMetricInitError(logger, "durable.consumer.dead_lettered", err)

	return m
}

func (m *consumerMetrics) add(ctx context.Context, counter metric.Int64Counter, queue, reason string) {
	if m == nil || counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("durable.queue", queue)}
	if reason != "" {
		attrs = append(attrs, attribute.String("durable.consumer.reason", reason))
	}
	counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrs...))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
