package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/durable/internal/storage"
)

// SubscribeQueueChanges watches the message directory of queue in namespace.
// Sidecar writes land in a separate tree so each put signals once per rename.
func (s *Store) SubscribeQueueChanges(namespace, queue string) (storage.QueueChangeSubscription, error) {
	if !s.watchStatus.Enabled {
		return nil, storage.ErrNotImplemented
	}
	if strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("disk: queue name required")
	}
	rel, err := encodeKey(namespace, storage.QueueKeyPrefix+queue+"/msg")
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.objectDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare queue directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create queue watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch queue directory %q: %w", dir, err)
	}
	sub := &queueSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type queueSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (q *queueSubscription) Events() <-chan struct{} { return q.events }

func (q *queueSubscription) Close() error {
	q.once.Do(func() {
		close(q.stop)
		q.watcher.Close()
	})
	return nil
}

func (q *queueSubscription) run() {
	defer close(q.events)
	for {
		select {
		case <-q.stop:
			return
		case ev, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			q.signal()
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			q.signal()
		}
	}
}

func (q *queueSubscription) signal() {
	select {
	case q.events <- struct{}{}:
	default:
	}
}
