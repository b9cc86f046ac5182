package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/storagetest"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := memory.New()
		t.Cleanup(func() { _ = store.Close() })
		return store
	}, storagetest.Options{})
}

func TestMemoryQueueWatchDisabled(t *testing.T) {
	store := memory.NewWithConfig(memory.Config{})
	if _, err := store.SubscribeQueueChanges("queues", "orders"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("subscribe err=%v want ErrNotImplemented", err)
	}
	if status := store.QueueWatchStatus(); status.Enabled {
		t.Fatalf("status=%+v", status)
	}
}

func TestMemoryCloseReleasesSubscribers(t *testing.T) {
	store := memory.New()
	sub, err := store.SubscribeQueueChanges("queues", "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if _, err := store.PutObject(context.Background(), "queues", "q/orders/msg/1.json", strings.NewReader("{}"), storage.PutObjectOptions{}); err == nil {
		t.Fatal("put after close succeeded")
	}
}

func TestMemoryFeedIgnoresOtherQueues(t *testing.T) {
	store := memory.New()
	defer store.Close()
	sub, err := store.SubscribeQueueChanges("queues", "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.PutObject(context.Background(), "queues", "q/billing/msg/1.json", strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatal("unexpected event for another queue")
	default:
	}
}
