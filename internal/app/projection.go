package app

import (
	"context"
	"encoding/json"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/bucket"
	"pkt.systems/durable/internal/consumer"
	"pkt.systems/durable/internal/loggingutil"
)

// Projection writes {"key":k,"value":v} events into a bucket. Events that
// do not have that shape, or that fail to store, are nacked.
type Projection struct {
	bucket *bucket.Bucket
	logger pslog.Logger
}

var _ consumer.Handler = (*Projection)(nil)

// NewProjection returns a consumer handler writing into b.
func NewProjection(b *bucket.Bucket, logger pslog.Logger) *Projection {
	return &Projection{bucket: b, logger: loggingutil.WithSubsystem(logger, "app.projection")}
}

// HandleMessage implements consumer.Handler.
func (p *Projection) HandleMessage(ctx context.Context, msg api.QueueMessage, decision *consumer.Decision) {
	logger := loggingutil.FromContext(ctx, p.logger).With("message_id", msg.ID, "attempts", msg.Attempts)
	var event api.ProjectionEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		logger.Warn("app.projection.invalid_event", "error", err)
		decision.Nack()
		return
	}
	if strings.TrimSpace(event.Key) == "" || len(event.Value) == 0 {
		logger.Warn("app.projection.invalid_event", "error", "key and value required")
		decision.Nack()
		return
	}
	if _, err := p.bucket.Put(ctx, event.Key, event.Value, map[string]string{"message-id": msg.ID}); err != nil {
		logger.Warn("app.projection.put_failed", "key", event.Key, "error", err)
		decision.Nack()
		return
	}
	logger.Debug("app.projection.stored", "key", event.Key)
	decision.Ack()
}
