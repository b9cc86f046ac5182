// Package partition serializes register operations per partition. Each
// partition is an actor with one mailbox and one worker goroutine, so
// operations against a partition run strictly in submission order while
// distinct partitions proceed independently. An actor whose mailbox stays
// empty for the idle timeout is retired and restarted on next use.
package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/register"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("partition: namespace closed")

const (
	defaultMailboxSize = 64
	defaultIdleTimeout = time.Minute
)

// Config tunes a Namespace.
type Config struct {
	// MailboxSize bounds queued operations per partition (default 64).
	// Submitters block while a mailbox is full.
	MailboxSize int
	// IdleTimeout retires an actor after its mailbox has been empty this
	// long (default 1m). Negative keeps actors until Close.
	IdleTimeout time.Duration
	Logger      pslog.Logger
	Clock       clock.Clock
}

// Namespace owns the actors of one namespace binding.
type Namespace struct {
	binding  string
	register *register.Register
	mailbox  int
	idle     time.Duration
	logger   pslog.Logger
	clock    clock.Clock
	metrics  *metrics

	// mu guards actors and closed. Submitters hold the read lock while
	// sending so Close never closes a mailbox under a sender.
	mu     sync.RWMutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

type actor struct {
	name    string
	mailbox chan *operation
}

type operation struct {
	kind     string
	ctx      context.Context
	run      func(context.Context) (any, error)
	accepted time.Time
	done     chan result
}

type result struct {
	value any
	err   error
}

// NewNamespace returns a namespace serving binding through reg.
func NewNamespace(binding string, reg *register.Register, cfg Config) *Namespace {
	size := cfg.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "partition").With("namespace", binding)
	return &Namespace{
		binding:  binding,
		register: reg,
		mailbox:  size,
		idle:     idle,
		logger:   logger,
		clock:    clock.Or(cfg.Clock),
		metrics:  newMetrics(logger),
		actors:   make(map[string]*actor),
	}
}

// Binding reports the binding name this namespace serves.
func (n *Namespace) Binding() string { return n.binding }

// Get returns the stub of partition name. Actors start lazily on first
// submission.
func (n *Namespace) Get(name string) *Stub {
	return &Stub{ns: n, partition: name}
}

// Pending reports how many operations wait in the mailbox of partition.
func (n *Namespace) Pending(partition string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if a := n.actors[partition]; a != nil {
		return len(a.mailbox)
	}
	return 0
}

// Actors reports how many partition actors are running.
func (n *Namespace) Actors() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.actors)
}

// Close stops accepting work, lets every mailbox drain and waits for the
// workers to exit.
func (n *Namespace) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, a := range n.actors {
		close(a.mailbox)
	}
	n.mu.Unlock()
	n.wg.Wait()
	n.logger.Debug("partition.namespace.closed")
	return nil
}

// actorFor returns the actor for name, starting it when absent. On success
// the read lock is held until the returned unlock runs, which keeps the
// actor from being retired before the send.
func (n *Namespace) actorFor(name string) (*actor, func(), error) {
	for {
		n.mu.RLock()
		if n.closed {
			n.mu.RUnlock()
			return nil, nil, ErrClosed
		}
		if a := n.actors[name]; a != nil {
			return a, n.mu.RUnlock, nil
		}
		n.mu.RUnlock()

		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if n.actors[name] == nil {
			a := &actor{name: name, mailbox: make(chan *operation, n.mailbox)}
			n.actors[name] = a
			n.wg.Add(1)
			go n.work(a)
			n.logger.Trace("partition.actor.start", "partition", name)
		}
		n.mu.Unlock()
	}
}

func (n *Namespace) submit(ctx context.Context, partition, kind string, run func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, unlock, err := n.actorFor(partition)
	if err != nil {
		return nil, err
	}
	op := &operation{kind: kind, ctx: ctx, run: run, done: make(chan result, 1)}
	op.accepted = n.clock.Now()
	select {
	case a.mailbox <- op:
		unlock()
	case <-ctx.Done():
		unlock()
		return nil, ctx.Err()
	}
	select {
	case res := <-op.done:
		return res.value, res.err
	case <-ctx.Done():
		// The operation stays queued and still runs.
		return nil, ctx.Err()
	}
}

func (n *Namespace) work(a *actor) {
	defer n.wg.Done()
	for {
		var idle <-chan time.Time
		if n.idle > 0 {
			idle = n.clock.After(n.idle)
		}
		select {
		case op, ok := <-a.mailbox:
			if !ok {
				n.logger.Trace("partition.actor.stop", "partition", a.name)
				return
			}
			n.metrics.recordWait(op.ctx, n.binding, op.kind, n.clock.Now().Sub(op.accepted))
			value, err := n.execute(a, op)
			n.metrics.recordOperation(op.ctx, n.binding, op.kind, err)
			op.done <- result{value: value, err: err}
		case <-idle:
			if n.retire(a) {
				n.logger.Trace("partition.actor.retired", "partition", a.name)
				return
			}
		}
	}
}

// retire removes a from the actor table when nothing is queued for it.
// Senders hold the read lock, so an empty mailbox under the write lock
// stays empty. A held lock means a send may be in progress and the actor
// stays.
func (n *Namespace) retire(a *actor) bool {
	if len(a.mailbox) > 0 || !n.mu.TryLock() {
		return false
	}
	defer n.mu.Unlock()
	if n.closed || len(a.mailbox) > 0 || n.actors[a.name] != a {
		return false
	}
	delete(n.actors, a.name)
	return true
}

func (n *Namespace) execute(a *actor, op *operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("partition.operation.panic", "partition", a.name, "op", op.kind, "panic", r)
			err = fmt.Errorf("partition: %s panicked: %v", op.kind, r)
		}
	}()
	return op.run(context.WithoutCancel(op.ctx))
}

// Stub addresses one partition. Its methods mirror the register and run
// inside the partition's actor.
type Stub struct {
	ns        *Namespace
	partition string
}

// Partition reports the partition name.
func (s *Stub) Partition() string { return s.partition }

// Get returns the current value of key.
func (s *Stub) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	type got struct {
		value json.RawMessage
		found bool
	}
	v, err := s.ns.submit(ctx, s.partition, "get", func(ctx context.Context) (any, error) {
		value, found, err := s.ns.register.Get(ctx, s.partition, key)
		return got{value: value, found: found}, err
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(got)
	return res.value, res.found, nil
}

// Begin returns a snapshot of key.
func (s *Stub) Begin(ctx context.Context, key string) (api.ReadResult, error) {
	v, err := s.ns.submit(ctx, s.partition, "begin", func(ctx context.Context) (any, error) {
		return s.ns.register.Begin(ctx, s.partition, key)
	})
	if err != nil {
		return api.ReadResult{}, err
	}
	return v.(api.ReadResult), nil
}

// Commit stores value when expected matches the current version.
func (s *Stub) Commit(ctx context.Context, key string, expected any, value json.RawMessage) (api.CommitOutcome, error) {
	v, err := s.ns.submit(ctx, s.partition, "commit", func(ctx context.Context) (any, error) {
		return s.ns.register.Commit(ctx, s.partition, key, expected, value)
	})
	if err != nil {
		return api.CommitOutcome{}, err
	}
	return v.(api.CommitOutcome), nil
}
