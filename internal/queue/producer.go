package queue

import (
	"context"
	"encoding/json"

	"pkt.systems/durable/internal/storage"
)

// Producer publishes to one fixed queue. Bindings hand producers to
// application code so it never names physical queues.
type Producer struct {
	svc   *Service
	queue string
}

// Producer returns a producer bound to queue.
func (s *Service) Producer(queue string) (*Producer, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	return &Producer{svc: s, queue: name}, nil
}

// Queue reports the target queue name.
func (p *Producer) Queue() string { return p.queue }

// Send publishes value as JSON.
func (p *Producer) Send(ctx context.Context, value any) (*Message, error) {
	return p.svc.Publish(ctx, p.queue, value)
}

// SendRaw publishes an already encoded JSON document without re-encoding it.
func (p *Producer) SendRaw(ctx context.Context, body json.RawMessage) (*Message, error) {
	return p.svc.PublishRaw(ctx, p.queue, body, storage.ContentTypeJSON)
}
