// Package queue implements durable queues over a storage.Backend. Each
// message is one JSON document; receivers lease messages by CAS on the
// document ETag, so several consumers can share a backend safely.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/correlation"
	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

// DefaultNamespace is the storage namespace holding every queue.
const DefaultNamespace = "queues"

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultListPageSize      = 32
	messageDocumentType      = "queue_message"
)

var (
	// ErrInvalidQueue is returned when the requested queue name contains invalid characters.
	ErrInvalidQueue = errors.New("queue: invalid queue name")
	// ErrLeaseLost is returned when a delivery's lease was taken over or the
	// message changed underneath it.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrMalformedMessage is returned when a stored message document does
	// not decode. Receive skips such documents.
	ErrMalformedMessage = errors.New("queue: malformed message document")
)

// Config governs queue behaviour defaults.
type Config struct {
	// Namespace overrides the storage namespace (default "queues").
	Namespace                string
	DefaultVisibilityTimeout time.Duration
	Logger                   pslog.Logger
}

// Service implements queue primitives atop the storage backend.
type Service struct {
	store     storage.Backend
	clk       clock.Clock
	namespace string
	cfg       Config
	logger    pslog.Logger
}

// New constructs a queue Service.
func New(store storage.Backend, clk clock.Clock, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: backend required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.DefaultVisibilityTimeout <= 0 {
		cfg.DefaultVisibilityTimeout = defaultVisibilityTimeout
	}
	return &Service{
		store:     store,
		clk:       clock.Or(clk),
		namespace: cfg.Namespace,
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "queue"),
	}, nil
}

// Namespace reports the storage namespace queues live in.
func (s *Service) Namespace() string { return s.namespace }

// MessageDocument is the stored form of one message.
type MessageDocument struct {
	Type            string          `json:"type"`
	Queue           string          `json:"queue"`
	ID              string          `json:"id"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Attempts        int             `json:"attempts"`
	FailureAttempts int             `json:"failure_attempts,omitempty"`
	NotVisibleUntil time.Time       `json:"not_visible_until"`
	ContentType     string          `json:"content_type,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	RawBody         []byte          `json:"raw_body,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LeaseID         string          `json:"lease_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	SourceQueue     string          `json:"source_queue,omitempty"`
}

// Payload returns the message body. JSON bodies come back compacted.
func (d *MessageDocument) Payload() []byte {
	if d.RawBody != nil {
		return d.RawBody
	}
	return d.Body
}

func (d *MessageDocument) setPayload(body []byte) {
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			d.Body = buf.Bytes()
			d.RawBody = nil
			return
		}
	}
	d.Body = nil
	d.RawBody = append([]byte(nil), body...)
}

// Message describes an enqueued message.
type Message struct {
	Queue         string
	ID            string
	EnqueuedAt    time.Time
	CorrelationID string
}

// Delivery is a leased message. It stays valid until acked, retried,
// released or dead-lettered, or until its visibility timeout lapses and
// another receiver takes it.
type Delivery struct {
	Queue    string
	ID       string
	Attempts int
	Body     []byte
	LeaseID  string
	// ETag is the document revision written by the lease.
	ETag string

	doc MessageDocument
}

// Document returns a copy of the leased document.
func (d *Delivery) Document() MessageDocument { return d.doc }

// Publish encodes value as JSON and enqueues it.
func (s *Service) Publish(ctx context.Context, queue string, value any) (*Message, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("queue: encode message: %w", err)
	}
	return s.PublishRaw(ctx, queue, payload, storage.ContentTypeJSON)
}

// PublishRaw enqueues body unchanged. Bodies that are not JSON are kept
// and later surface to consumers as malformed.
func (s *Service) PublishRaw(ctx context.Context, queue string, body []byte, contentType string) (*Message, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	now := s.clk.Now().UTC()
	doc := MessageDocument{
		Type:            messageDocumentType,
		Queue:           name,
		ID:              ids.MessageID(),
		EnqueuedAt:      now,
		UpdatedAt:       now,
		NotVisibleUntil: now,
		ContentType:     contentType,
		CorrelationID:   correlation.ID(ctx),
	}
	doc.setPayload(body)
	if _, err := s.save(ctx, &doc, storage.PutObjectOptions{IfNotExists: true}); err != nil {
		return nil, err
	}
	loggingutil.FromContext(ctx, s.logger).Debug("queue.publish", "queue", name, "id", doc.ID, "bytes", len(body))
	return &Message{Queue: name, ID: doc.ID, EnqueuedAt: now, CorrelationID: doc.CorrelationID}, nil
}

// Receive leases up to max visible messages in publish order. Each lease
// increments the delivery count and hides the message for visibility.
func (s *Service) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Delivery, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = s.cfg.DefaultVisibilityTimeout
	}
	logger := loggingutil.FromContext(ctx, s.logger).With("queue", name)
	var (
		deliveries []Delivery
		startAfter string
	)
	for len(deliveries) < max {
		page, err := s.store.ListObjects(ctx, s.namespace, storage.ListOptions{
			Prefix:     messagePrefix(name),
			StartAfter: startAfter,
			Limit:      defaultListPageSize,
		})
		if err != nil {
			return deliveries, fmt.Errorf("queue: list %s: %w", name, err)
		}
		for _, obj := range page.Objects {
			if len(deliveries) == max {
				break
			}
			parts, ok := ParseMessageKey(obj.Key)
			if !ok || parts.Queue != name {
				continue
			}
			delivery, err := s.lease(ctx, name, parts.ID, visibility)
			switch {
			case err == nil && delivery != nil:
				deliveries = append(deliveries, *delivery)
			case err == nil:
			case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
				logger.Trace("queue.receive.lease_race", "id", parts.ID)
			case errors.Is(err, ErrMalformedMessage):
				logger.Warn("queue.receive.malformed", "id", parts.ID, "key", obj.Key, "error", err)
			default:
				return deliveries, err
			}
		}
		if !page.Truncated || page.NextStartAfter == "" {
			break
		}
		startAfter = page.NextStartAfter
	}
	if len(deliveries) > 0 {
		logger.Debug("queue.receive", "count", len(deliveries))
	}
	return deliveries, nil
}

// lease returns nil without error when the message is not yet visible.
func (s *Service) lease(ctx context.Context, queue, id string, visibility time.Duration) (*Delivery, error) {
	doc, etag, err := s.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now().UTC()
	if doc.NotVisibleUntil.After(now) {
		return nil, nil
	}
	doc.Attempts++
	doc.NotVisibleUntil = now.Add(visibility)
	doc.UpdatedAt = now
	doc.LeaseID = ids.LeaseID()
	newETag, err := s.save(ctx, doc, storage.PutObjectOptions{ExpectedETag: etag})
	if err != nil {
		return nil, err
	}
	return &Delivery{
		Queue:    queue,
		ID:       id,
		Attempts: doc.Attempts,
		Body:     doc.Payload(),
		LeaseID:  doc.LeaseID,
		ETag:     newETag,
		doc:      *doc,
	}, nil
}

// Ack removes the delivered message.
func (s *Service) Ack(ctx context.Context, d *Delivery) error {
	if err := s.store.DeleteObject(ctx, s.namespace, messageKey(d.Queue, d.ID), storage.DeleteObjectOptions{ExpectedETag: d.ETag}); err != nil {
		return leaseError(err)
	}
	loggingutil.FromContext(ctx, s.logger).Trace("queue.ack", "queue", d.Queue, "id", d.ID)
	return nil
}

// Retry makes the message visible again after delay, recording reason.
func (s *Service) Retry(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	if delay < 0 {
		delay = 0
	}
	doc := d.doc
	now := s.clk.Now().UTC()
	doc.NotVisibleUntil = now.Add(delay)
	doc.UpdatedAt = now
	doc.LeaseID = ""
	doc.LastError = reason
	doc.FailureAttempts++
	return s.update(ctx, d, &doc, "queue.retry")
}

// Release gives the lease back without counting the delivery.
func (s *Service) Release(ctx context.Context, d *Delivery) error {
	doc := d.doc
	now := s.clk.Now().UTC()
	if doc.Attempts > 0 {
		doc.Attempts--
	}
	doc.NotVisibleUntil = now
	doc.UpdatedAt = now
	doc.LeaseID = ""
	return s.update(ctx, d, &doc, "queue.release")
}

// MoveToDLQ copies the message into dlq with reason as its last error and
// then removes the original. A copy left by an earlier interrupted move is
// reused.
func (s *Service) MoveToDLQ(ctx context.Context, d *Delivery, dlq, reason string) error {
	target, err := sanitizeQueueName(dlq)
	if err != nil {
		return err
	}
	now := s.clk.Now().UTC()
	doc := d.doc
	doc.Queue = target
	doc.SourceQueue = d.Queue
	doc.Attempts = 0
	doc.FailureAttempts = d.doc.FailureAttempts + 1
	doc.NotVisibleUntil = now
	doc.UpdatedAt = now
	doc.LeaseID = ""
	doc.LastError = reason
	if _, err := s.save(ctx, &doc, storage.PutObjectOptions{IfNotExists: true}); err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("queue: copy %s/%s to %s: %w", d.Queue, d.ID, target, err)
	}
	if err := s.store.DeleteObject(ctx, s.namespace, messageKey(d.Queue, d.ID), storage.DeleteObjectOptions{ExpectedETag: d.ETag}); err != nil {
		return leaseError(err)
	}
	loggingutil.FromContext(ctx, s.logger).Info("queue.dead_letter", "queue", d.Queue, "id", d.ID, "dlq", target, "reason", reason, "attempts", d.Attempts)
	return nil
}

// Depth counts stored messages in queue, leased or not.
func (s *Service) Depth(ctx context.Context, queue string) (int, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return 0, err
	}
	objects, err := storage.ListAll(ctx, s.store, s.namespace, messagePrefix(name))
	if err != nil {
		return 0, fmt.Errorf("queue: list %s: %w", name, err)
	}
	n := 0
	for _, obj := range objects {
		if IsMessageKey(obj.Key) {
			n++
		}
	}
	return n, nil
}

// GetMessage loads the stored document of queue/id.
func (s *Service) GetMessage(ctx context.Context, queue, id string) (*MessageDocument, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	doc, _, err := s.load(ctx, name, id)
	return doc, err
}

func (s *Service) update(ctx context.Context, d *Delivery, doc *MessageDocument, event string) error {
	etag, err := s.save(ctx, doc, storage.PutObjectOptions{ExpectedETag: d.ETag})
	if err != nil {
		return leaseError(err)
	}
	d.ETag = etag
	d.doc = *doc
	loggingutil.FromContext(ctx, s.logger).Trace(event, "queue", d.Queue, "id", d.ID, "attempts", doc.Attempts)
	return nil
}

func (s *Service) load(ctx context.Context, queue, id string) (*MessageDocument, string, error) {
	data, info, err := storage.ReadObject(ctx, s.store, s.namespace, messageKey(queue, id))
	if err != nil {
		return nil, "", err
	}
	var doc MessageDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("%w %s/%s: %v", ErrMalformedMessage, queue, id, err)
	}
	if doc.Queue == "" {
		doc.Queue = queue
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, info.ETag, nil
}

func (s *Service) save(ctx context.Context, doc *MessageDocument, opts storage.PutObjectOptions) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("queue: encode message: %w", err)
	}
	opts.ContentType = storage.ContentTypeJSON
	info, err := s.store.PutObject(ctx, s.namespace, messageKey(doc.Queue, doc.ID), bytes.NewReader(payload), opts)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

func leaseError(err error) error {
	if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return err
}
