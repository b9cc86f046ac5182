// Package memory implements an in-process storage.Backend. It is the default
// for tests and single-node development.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/storage"
)

// Config tunes the memory backend.
type Config struct {
	// QueueWatch enables in-process change notifications for queue keys.
	QueueWatch bool
	// Now overrides the time source for LastModified.
	Now func() time.Time
}

// Store keeps every namespace in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*bucket
	now        func() time.Time
	closed     bool

	queueWatch bool
	watchMu    sync.Mutex
	watchers   map[string]map[*subscription]struct{}
}

type bucket struct {
	objs map[string]*object
	keys []string
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	metadata    map[string]string
	updated     time.Time
}

// New returns a memory store with queue notifications enabled.
func New() *Store {
	return NewWithConfig(Config{QueueWatch: true})
}

// NewWithConfig returns a memory store configured by cfg.
func NewWithConfig(cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		namespaces: make(map[string]*bucket),
		now:        now,
		queueWatch: cfg.QueueWatch,
		watchers:   make(map[string]map[*subscription]struct{}),
	}
}

// Close rejects further writes and drops every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.watchMu.Lock()
	var subs []*subscription
	for _, set := range s.watchers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// GetObject returns a copy of the stored payload.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.namespaces[namespace]
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	obj, ok := b.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(bytes.Clone(obj.payload))),
		Info:   obj.info(key),
	}, nil
}

// PutObject stores body under key, honouring the conditional options.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory: store closed")
	}
	b := s.namespaces[namespace]
	if b == nil {
		b = &bucket{objs: make(map[string]*object)}
		s.namespaces[namespace] = b
	}
	current, exists := b.objs[key]
	switch {
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "" && !exists:
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	obj := &object{
		payload:     payload,
		etag:        ids.ETag(),
		contentType: opts.ContentType,
		metadata:    storage.CloneMetadata(opts.Metadata),
		updated:     s.now(),
	}
	b.objs[key] = obj
	if !exists {
		b.insertKey(key)
	}
	info := obj.info(key)
	s.mu.Unlock()

	s.notify(namespace, key)
	return info, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	b := s.namespaces[namespace]
	var obj *object
	if b != nil {
		obj = b.objs[key]
	}
	if obj == nil {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && obj.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(b.objs, key)
	b.removeKey(key)
	s.mu.Unlock()

	s.notify(namespace, key)
	return nil
}

// ListObjects pages through namespace in lexical key order.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &storage.ListResult{}
	b := s.namespaces[namespace]
	if b == nil {
		return result, nil
	}
	start := 0
	if opts.StartAfter != "" {
		start = sort.Search(len(b.keys), func(i int) bool { return b.keys[i] > opts.StartAfter })
	}
	if opts.Prefix != "" {
		if idx := sort.SearchStrings(b.keys, opts.Prefix); idx > start {
			start = idx
		}
	}
	for i := start; i < len(b.keys); i++ {
		key := b.keys[i]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *b.objs[key].info(key))
	}
	return result, nil
}

// SubscribeQueueChanges implements storage.QueueChangeFeed.
func (s *Store) SubscribeQueueChanges(namespace, queue string) (storage.QueueChangeSubscription, error) {
	if !s.queueWatch {
		return nil, storage.ErrNotImplemented
	}
	if strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("memory: queue name required")
	}
	sub := &subscription{store: s, topic: topic(namespace, queue), events: make(chan struct{}, 1)}
	s.watchMu.Lock()
	set := s.watchers[sub.topic]
	if set == nil {
		set = make(map[*subscription]struct{})
		s.watchers[sub.topic] = set
	}
	set[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

// QueueWatchStatus implements storage.QueueWatchStatusProvider.
func (s *Store) QueueWatchStatus() storage.QueueWatchStatus {
	if !s.queueWatch {
		return storage.QueueWatchStatus{Mode: "polling", Reason: "memory_queue_watch_disabled"}
	}
	return storage.QueueWatchStatus{Enabled: true, Mode: "inprocess", Reason: "memory_queue_watch_enabled"}
}

func (s *Store) notify(namespace, key string) {
	if !s.queueWatch {
		return
	}
	queue, ok := storage.QueueNameFromKey(key)
	if !ok {
		return
	}
	s.watchMu.Lock()
	set := s.watchers[topic(namespace, queue)]
	subs := make([]*subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func topic(namespace, queue string) string {
	return namespace + "\x00" + queue
}

func (o *object) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.payload)),
		LastModified: o.updated,
		ContentType:  o.contentType,
		Metadata:     storage.CloneMetadata(o.metadata),
	}
}

func (b *bucket) insertKey(key string) {
	idx := sort.SearchStrings(b.keys, key)
	b.keys = append(b.keys, "")
	copy(b.keys[idx+1:], b.keys[idx:])
	b.keys[idx] = key
}

func (b *bucket) removeKey(key string) {
	idx := sort.SearchStrings(b.keys, key)
	if idx < len(b.keys) && b.keys[idx] == key {
		b.keys = append(b.keys[:idx], b.keys[idx+1:]...)
	}
}

type subscription struct {
	store  *Store
	topic  string
	mu     sync.Mutex
	closed bool
	events chan struct{}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.store.watchMu.Lock()
	if set := s.store.watchers[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.store.watchers, s.topic)
		}
	}
	s.store.watchMu.Unlock()
	s.close()
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
