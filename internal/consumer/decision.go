package consumer

import (
	"context"
	"sync"

	"pkt.systems/durable/api"
)

// Verdict is the outcome a handler reports for one message.
type Verdict int

const (
	// VerdictAck acknowledges the message.
	VerdictAck Verdict = iota + 1
	// VerdictNack rejects the message for retry.
	VerdictNack
)

func (v Verdict) String() string {
	switch v {
	case VerdictAck:
		return "ack"
	case VerdictNack:
		return "nack"
	}
	return "none"
}

// Decision carries the two one-shot signals of a delivery. The first call
// to Ack or Nack wins; later calls are ignored.
type Decision struct {
	once   sync.Once
	result chan Verdict
}

func newDecision() *Decision {
	return &Decision{result: make(chan Verdict, 1)}
}

// Ack acknowledges the message.
func (d *Decision) Ack() { d.decide(VerdictAck) }

// Nack rejects the message.
func (d *Decision) Nack() { d.decide(VerdictNack) }

func (d *Decision) decide(v Verdict) {
	d.once.Do(func() { d.result <- v })
}

// Handler receives one message at a time and must eventually Ack or Nack
// it. It may decide from any goroutine, before or after returning.
type Handler interface {
	HandleMessage(ctx context.Context, msg api.QueueMessage, decision *Decision)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg api.QueueMessage, decision *Decision)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg api.QueueMessage, decision *Decision) {
	f(ctx, msg, decision)
}
