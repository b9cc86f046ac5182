// Package consumer drives queue handlers one message at a time. A batch
// advances only after the current message is acked, rejected or timed
// out, and rejected messages are retried up to a ceiling before they are
// dead-lettered.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/queue"
)

// Retry reasons recorded on messages.
const (
	ReasonRejected  = "rejected"
	ReasonTimeout   = "timeout"
	ReasonMalformed = "malformed"
)

const (
	DefaultMaxBatchSize      = 5
	DefaultMaxBatchTimeout   = time.Second
	DefaultMaxRetries        = 1
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPollInterval      = time.Second

	finalizeTimeout = 5 * time.Second
)

// Config controls one consumer loop.
type Config struct {
	Queue           string
	MaxBatchSize    int
	MaxBatchTimeout time.Duration
	// MaxRetries is the delivery count at which a rejected message is
	// dead-lettered instead of retried.
	MaxRetries        int
	DeadLetterQueue   string
	RetryDelay        time.Duration
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Logger            pslog.Logger
	Clock             clock.Clock
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchTimeout <= 0 {
		c.MaxBatchTimeout = DefaultMaxBatchTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	c.Clock = clock.Or(c.Clock)
}

// Validate reports configuration errors after defaults are applied.
func (c Config) Validate() error {
	if c.Queue == "" {
		return errors.New("consumer: queue required")
	}
	if c.DeadLetterQueue != "" && c.DeadLetterQueue == c.Queue {
		return errors.New("consumer: dead-letter queue must differ from queue")
	}
	if c.VisibilityTimeout < c.MaxBatchTimeout {
		return fmt.Errorf("consumer: visibility timeout %s shorter than batch timeout %s", c.VisibilityTimeout, c.MaxBatchTimeout)
	}
	return nil
}

// BatchResult counts what ProcessBatch did with each message.
type BatchResult struct {
	Delivered    int
	Acked        int
	Retried      int
	DeadLettered int
	Released     int
	// Errors collects storage failures while finalizing messages. The
	// affected messages reappear after their visibility timeout.
	Errors []error
}

// Consumer processes one queue.
type Consumer struct {
	queues  *queue.Service
	handler Handler
	cfg     Config
	logger  pslog.Logger
	metrics *consumerMetrics
}

// New validates cfg and returns a consumer for cfg.Queue.
func New(queues *queue.Service, handler Handler, cfg Config) (*Consumer, error) {
	if queues == nil {
		return nil, errors.New("consumer: queue service required")
	}
	if handler == nil {
		return nil, errors.New("consumer: handler required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "consumer").With("queue", cfg.Queue)
	return &Consumer{
		queues:  queues,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		metrics: newConsumerMetrics(logger),
	}, nil
}

// Config returns the effective configuration.
func (c *Consumer) Config() Config { return c.cfg }

// Run receives and processes batches until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	waiter := c.queues.NewWaiter(c.cfg.Queue, c.cfg.PollInterval)
	defer waiter.Close()
	c.logger.Info("consumer.start",
		"batch_size", c.cfg.MaxBatchSize,
		"batch_timeout", c.cfg.MaxBatchTimeout,
		"max_retries", c.cfg.MaxRetries,
		"dlq", c.cfg.DeadLetterQueue,
		"watch", waiter.Watching(),
	)
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer.stop")
			return nil
		}
		batch, err := c.queues.Receive(ctx, c.cfg.Queue, c.cfg.MaxBatchSize, c.cfg.VisibilityTimeout)
		if len(batch) > 0 {
			c.ProcessBatch(ctx, batch)
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("consumer.receive.error", "error", err)
		}
		if len(batch) == c.cfg.MaxBatchSize && err == nil {
			continue
		}
		if err := waiter.Wait(ctx); err != nil {
			c.logger.Info("consumer.stop")
			return nil
		}
	}
}

// ProcessBatch delivers batch in order, one message at a time.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []queue.Delivery) BatchResult {
	var res BatchResult
	deadline := c.cfg.Clock.After(c.cfg.MaxBatchTimeout)
	logger := loggingutil.FromContext(ctx, c.logger).With("queue", c.cfg.Queue)
	logger.Debug("consumer.batch.begin", "size", len(batch))

	for i := range batch {
		d := &batch[i]
		if ctx.Err() != nil {
			c.releaseAll(ctx, batch[i:], &res)
			return res
		}
		select {
		case <-deadline:
			logger.Info("consumer.batch.timeout", "id", d.ID, "undelivered", len(batch)-i)
			c.releaseAll(ctx, batch[i:], &res)
			return res
		default:
		}
		if !json.Valid(d.Body) {
			logger.Warn("consumer.message.malformed", "id", d.ID, "attempts", d.Attempts)
			c.reject(ctx, d, ReasonMalformed, &res)
			continue
		}

		decision := newDecision()
		msgCtx, cancel := context.WithCancel(ctx)
		msg := api.QueueMessage{ID: d.ID, Body: json.RawMessage(d.Body), Attempts: d.Attempts}
		res.Delivered++
		go c.deliver(msgCtx, msg, decision)

		select {
		case verdict := <-decision.result:
			cancel()
			logger.Trace("consumer.message.decided", "id", d.ID, "verdict", verdict.String())
			if verdict == VerdictAck {
				c.ack(ctx, d, &res)
			} else {
				c.reject(ctx, d, ReasonRejected, &res)
			}
		case <-deadline:
			cancel()
			logger.Info("consumer.batch.timeout", "id", d.ID, "undelivered", len(batch)-i-1)
			c.reject(ctx, d, ReasonTimeout, &res)
			c.releaseAll(ctx, batch[i+1:], &res)
			return res
		case <-ctx.Done():
			cancel()
			c.releaseAll(ctx, batch[i:], &res)
			return res
		}
	}
	logger.Debug("consumer.batch.end", "acked", res.Acked, "retried", res.Retried, "dead_lettered", res.DeadLettered)
	return res
}

func (c *Consumer) deliver(ctx context.Context, msg api.QueueMessage, decision *Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer.handler.panic", "id", msg.ID, "panic", r)
			decision.Nack()
		}
	}()
	c.handler.HandleMessage(ctx, msg, decision)
}

func (c *Consumer) ack(ctx context.Context, d *queue.Delivery, res *BatchResult) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := c.queues.Ack(fctx, d); err != nil {
		c.fail(d, "ack", err, res)
		return
	}
	res.Acked++
	c.metrics.add(ctx, c.metrics.acked, c.cfg.Queue, "")
	c.logger.Debug("consumer.message.ack", "id", d.ID, "attempts", d.Attempts)
}

// reject applies the retry policy: once the delivery count reaches
// MaxRetries the message leaves the main queue.
func (c *Consumer) reject(ctx context.Context, d *queue.Delivery, reason string, res *BatchResult) {
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if d.Attempts < c.cfg.MaxRetries {
		if err := c.queues.Retry(fctx, d, c.cfg.RetryDelay, reason); err != nil {
			c.fail(d, "retry", err, res)
			return
		}
		res.Retried++
		c.metrics.add(ctx, c.metrics.retried, c.cfg.Queue, reason)
		c.logger.Debug("consumer.message.retry", "id", d.ID, "attempts", d.Attempts, "reason", reason)
		return
	}
	if c.cfg.DeadLetterQueue == "" {
		c.logger.Warn("consumer.message.dropped", "id", d.ID, "attempts", d.Attempts, "reason", reason)
		if err := c.queues.Ack(fctx, d); err != nil {
			c.fail(d, "drop", err, res)
			return
		}
	} else if err := c.queues.MoveToDLQ(fctx, d, c.cfg.DeadLetterQueue, reason); err != nil {
		c.fail(d, "dead_letter", err, res)
		return
	}
	res.DeadLettered++
	c.metrics.add(ctx, c.metrics.deadLettered, c.cfg.Queue, reason)
}

// releaseAll hands back leases of messages the handler never saw.
func (c *Consumer) releaseAll(ctx context.Context, rest []queue.Delivery, res *BatchResult) {
	if len(rest) == 0 {
		return
	}
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	for i := range rest {
		if err := c.queues.Release(fctx, &rest[i]); err != nil {
			c.fail(&rest[i], "release", err, res)
			continue
		}
		res.Released++
	}
	c.logger.Debug("consumer.batch.released", "count", len(rest))
}

func (c *Consumer) fail(d *queue.Delivery, op string, err error, res *BatchResult) {
	res.Errors = append(res.Errors, fmt.Errorf("consumer: %s %s: %w", op, d.ID, err))
	if errors.Is(err, queue.ErrLeaseLost) {
		c.logger.Warn("consumer.message.lease_lost", "id", d.ID, "op", op)
		return
	}
	c.logger.Error("consumer.message.finalize_failed", "id", d.ID, "op", op, "error", err)
}

// finalizeContext detaches storage writes from loop cancellation and caps
// them at finalizeTimeout.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
