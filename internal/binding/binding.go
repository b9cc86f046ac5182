// Package binding resolves the names application code uses (namespace,
// queue and bucket bindings) to live handles. A Resolver is passed to every
// component that needs one; there is no process-wide registry.
package binding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/bucket"
	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/partition"
	"pkt.systems/durable/internal/queue"
	"pkt.systems/durable/internal/register"
	"pkt.systems/durable/internal/storage"
)

const (
	// DefaultQueueBinding is the queue binding of the stock deployment.
	DefaultQueueBinding = "scheduling_queue"
	// DefaultQueue is the physical queue behind DefaultQueueBinding.
	DefaultQueue = "scheduling-queue"
	// DefaultDeadLetterQueue receives messages that exhausted their retries.
	DefaultDeadLetterQueue = "scheduling-queue-dlq"
	// DefaultBucketBinding is the bucket the projection consumer writes to.
	DefaultBucketBinding = "scheduling_bucket"
)

var (
	// ErrUnknownBinding is returned for names that were never configured.
	ErrUnknownBinding = errors.New("binding: unknown binding")
	// ErrInvalidBinding rejects malformed or duplicate binding names.
	ErrInvalidBinding = errors.New("binding: invalid binding")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("binding: resolver closed")
)

// reserved names collide with fixed HTTP routes.
var reserved = map[string]struct{}{"queues": {}, "buckets": {}}

// Bindings lists the configured names.
type Bindings struct {
	// Namespaces are register namespace bindings.
	Namespaces []string `yaml:"namespaces" mapstructure:"namespaces"`
	// Queues maps a queue binding to its physical queue name.
	Queues map[string]string `yaml:"queues" mapstructure:"queues"`
	// Buckets are bucket bindings; the binding name is the bucket name.
	Buckets []string `yaml:"buckets" mapstructure:"buckets"`
}

// DefaultBindings mirrors the stock scheduling deployment.
func DefaultBindings() Bindings {
	return Bindings{
		Namespaces: []string{"airfields", "airships", "flights"},
		Queues:     map[string]string{DefaultQueueBinding: DefaultQueue},
		Buckets:    []string{DefaultBucketBinding},
	}
}

// Validate checks every name and rejects duplicates across kinds.
func (b Bindings) Validate() error {
	seen := make(map[string]string)
	check := func(kind, name string) error {
		if !validName(name) {
			return fmt.Errorf("%w: %s %q", ErrInvalidBinding, kind, name)
		}
		if _, ok := reserved[name]; ok && kind == "namespace" {
			return fmt.Errorf("%w: namespace %q is reserved", ErrInvalidBinding, name)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w: %q bound as both %s and %s", ErrInvalidBinding, name, prev, kind)
		}
		seen[name] = kind
		return nil
	}
	for _, name := range b.Namespaces {
		if err := check("namespace", name); err != nil {
			return err
		}
	}
	for name, target := range b.Queues {
		if err := check("queue", name); err != nil {
			return err
		}
		if target == "" {
			return fmt.Errorf("%w: queue %q has no target", ErrInvalidBinding, name)
		}
	}
	for _, name := range b.Buckets {
		if err := check("bucket", name); err != nil {
			return err
		}
	}
	return nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Options carries the shared infrastructure bindings resolve onto.
type Options struct {
	Backend     storage.Backend
	Queues      *queue.Service
	Logger      pslog.Logger
	Clock       clock.Clock
	MailboxSize int
}

// Resolver maps binding names to handles.
type Resolver struct {
	logger pslog.Logger

	mu         sync.RWMutex
	closed     bool
	namespaces map[string]*partition.Namespace
	producers  map[string]*queue.Producer
	buckets    map[string]*bucket.Bucket
}

// New validates bindings and builds every handle up front.
func New(bindings Bindings, opts Options) (*Resolver, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("binding: storage backend required")
	}
	if len(bindings.Queues) > 0 && opts.Queues == nil {
		return nil, fmt.Errorf("binding: queue service required for queue bindings")
	}
	if err := bindings.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "binding")
	r := &Resolver{
		logger:     logger,
		namespaces: make(map[string]*partition.Namespace, len(bindings.Namespaces)),
		producers:  make(map[string]*queue.Producer, len(bindings.Queues)),
		buckets:    make(map[string]*bucket.Bucket, len(bindings.Buckets)),
	}
	for _, name := range bindings.Namespaces {
		reg := register.New(opts.Backend, register.Namespace(name), opts.Logger)
		r.namespaces[name] = partition.NewNamespace(name, reg, partition.Config{
			MailboxSize: opts.MailboxSize,
			Logger:      opts.Logger,
			Clock:       opts.Clock,
		})
	}
	for name, target := range bindings.Queues {
		producer, err := opts.Queues.Producer(target)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("%w: queue %q: %v", ErrInvalidBinding, name, err)
		}
		r.producers[name] = producer
	}
	for _, name := range bindings.Buckets {
		r.buckets[name] = bucket.New(opts.Backend, name, opts.Logger)
	}
	logger.Info("binding.resolver.ready",
		"namespaces", len(r.namespaces),
		"queues", len(r.producers),
		"buckets", len(r.buckets),
	)
	return r, nil
}

// Namespace returns the partition namespace bound to name.
func (r *Resolver) Namespace(name string) (*partition.Namespace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	ns, ok := r.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q", ErrUnknownBinding, name)
	}
	return ns, nil
}

// Producer returns the queue producer bound to name.
func (r *Resolver) Producer(name string) (*queue.Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	p, ok := r.producers[name]
	if !ok {
		return nil, fmt.Errorf("%w: queue %q", ErrUnknownBinding, name)
	}
	return p, nil
}

// Bucket returns the bucket bound to name.
func (r *Resolver) Bucket(name string) (*bucket.Bucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	b, ok := r.buckets[name]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %q", ErrUnknownBinding, name)
	}
	return b, nil
}

// NamespaceNames lists the namespace bindings in sorted order.
func (r *Resolver) NamespaceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close shuts every namespace down and waits for its actors.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	namespaces := r.namespaces
	r.mu.Unlock()
	var errs []error
	for _, ns := range namespaces {
		if err := ns.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
