package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"pkt.systems/durable/internal/storage"
)

// WatchSubscription reports queue change events.
type WatchSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// Subscribe returns a change subscription for queue when the backend has a
// live change feed. Backends without one return storage.ErrNotImplemented
// and callers fall back to polling.
func (s *Service) Subscribe(queue string) (WatchSubscription, error) {
	name, err := sanitizeQueueName(queue)
	if err != nil {
		return nil, err
	}
	feed, ok := s.store.(storage.QueueChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	return feed.SubscribeQueueChanges(s.namespace, name)
}

// Waiter blocks consumers between empty receives. It wakes on queue change
// events when a feed is available and on a jittered poll interval always,
// so a missed event only delays delivery.
type Waiter struct {
	svc      *Service
	queue    string
	interval time.Duration
	jitter   time.Duration
	sub      WatchSubscription
}

// NewWaiter prepares a waiter for queue. interval <= 0 defaults to 1s.
func (s *Service) NewWaiter(queue string, interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = time.Second
	}
	w := &Waiter{svc: s, queue: queue, interval: interval, jitter: interval / 10}
	sub, err := s.Subscribe(queue)
	switch {
	case err == nil:
		w.sub = sub
		s.logger.Debug("queue.watch.enabled", "queue", queue)
	case errors.Is(err, storage.ErrNotImplemented):
		s.logger.Debug("queue.watch.polling", "queue", queue, "interval", interval)
	default:
		s.logger.Warn("queue.watch.subscribe_failed", "queue", queue, "error", err)
	}
	return w
}

// Watching reports whether the waiter receives change events.
func (w *Waiter) Watching() bool { return w.sub != nil }

// Wait returns after a change event, the poll interval, or ctx ending.
func (w *Waiter) Wait(ctx context.Context) error {
	delay := w.interval
	if w.jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(w.jitter)))
	}
	var events <-chan struct{}
	if w.sub != nil {
		events = w.sub.Events()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-events:
		if !ok {
			w.svc.logger.Debug("queue.watch.closed", "queue", w.queue)
			w.sub = nil
		}
		return nil
	case <-w.svc.clk.After(delay):
		return nil
	}
}

// Close releases the change subscription.
func (w *Waiter) Close() error {
	if w.sub == nil {
		return nil
	}
	err := w.sub.Close()
	w.sub = nil
	return err
}
