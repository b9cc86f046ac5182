// Package logging decorates a storage.Backend with pslog debug events and
// OpenTelemetry spans.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/durable/internal/correlation"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

const tracerName = "pkt.systems/durable/storage"

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner. sys names the emitting subsystem on every entry.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: loggingutil.Ensure(logger),
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
}

type call struct {
	span   trace.Span
	logger pslog.Logger
	event  string
	begin  time.Time
}

func (b *backend) start(ctx context.Context, op, namespace, key string) (context.Context, *call) {
	ctx, span := b.tracer.Start(ctx, "durable.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("durable.storage.operation", op),
		attribute.String("durable.storage.namespace", namespace),
		attribute.String("durable.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("durable.correlation_id", cid))
	}
	logger = logger.With("namespace", namespace, "key", key)
	c := &call{span: span, logger: logger, event: "storage." + op, begin: time.Now()}
	logger.Trace(c.event + ".begin")
	return pslog.ContextWithLogger(ctx, logger), c
}

func (c *call) end(err error, keyvals ...any) {
	defer c.span.End()
	elapsed := time.Since(c.begin)
	keyvals = append(keyvals, "elapsed", elapsed)
	switch {
	case err == nil:
		c.span.SetStatus(codes.Ok, "")
		c.logger.Debug(c.event+".success", keyvals...)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		c.span.SetAttributes(attribute.String("durable.storage.outcome", err.Error()))
		c.span.SetStatus(codes.Ok, "")
		c.logger.Debug(c.event+".miss", append(keyvals, "error", err)...)
	default:
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "storage_error")
		c.logger.Debug(c.event+".error", append(keyvals, "error", err)...)
	}
	c.span.SetAttributes(attribute.Int64("durable.storage.duration_ms", elapsed.Milliseconds()))
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, c := b.start(ctx, "get_object", namespace, key)
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err != nil {
		c.end(err)
		return res, err
	}
	c.end(nil, "etag", res.Info.ETag, "size", res.Info.Size)
	return res, nil
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, c := b.start(ctx, "put_object", namespace, key)
	c.span.SetAttributes(
		attribute.Bool("durable.storage.if_not_exists", opts.IfNotExists),
		attribute.Bool("durable.storage.conditional", opts.ExpectedETag != ""),
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	if err != nil {
		c.end(err, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
		return nil, err
	}
	c.end(nil, "etag", info.ETag, "size", info.Size)
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, c := b.start(ctx, "delete_object", namespace, key)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	c.end(err, "expected_etag", opts.ExpectedETag)
	return err
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, c := b.start(ctx, "list_objects", namespace, opts.Prefix)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err != nil {
		c.end(err)
		return nil, err
	}
	c.end(nil, "count", len(res.Objects), "truncated", res.Truncated)
	return res, nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeQueueChanges(namespace, queue string) (storage.QueueChangeSubscription, error) {
	if feed, ok := b.inner.(storage.QueueChangeFeed); ok {
		return feed.SubscribeQueueChanges(namespace, queue)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) QueueWatchStatus() storage.QueueWatchStatus {
	if provider, ok := b.inner.(storage.QueueWatchStatusProvider); ok {
		return provider.QueueWatchStatus()
	}
	return storage.QueueWatchStatus{Mode: "polling", Reason: "backend_does_not_report"}
}
