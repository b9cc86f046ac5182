// Package storagetest holds the behavioural checks every storage.Backend
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pkt.systems/durable/internal/storage"
)

// Factory returns a fresh, empty backend. Cleanup is the caller's job.
type Factory func(t *testing.T) storage.Backend

// Options toggle checks for backends with documented gaps.
type Options struct {
	// SkipQueueFeed skips the change feed check even when the backend
	// implements storage.QueueChangeFeed.
	SkipQueueFeed bool
}

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory, opts Options) {
	t.Helper()
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newBackend(t)) })
	t.Run("ConditionalPut", func(t *testing.T) { testConditionalPut(t, newBackend(t)) })
	t.Run("ConditionalDelete", func(t *testing.T) { testConditionalDelete(t, newBackend(t)) })
	t.Run("ListPaging", func(t *testing.T) { testList(t, newBackend(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaces(t, newBackend(t)) })
	if !opts.SkipQueueFeed {
		t.Run("QueueFeed", func(t *testing.T) { testQueueFeed(t, newBackend(t)) })
	}
}

func put(t *testing.T, b storage.Backend, ns, key, body string, opts storage.PutObjectOptions) *storage.ObjectInfo {
	t.Helper()
	info, err := b.PutObject(context.Background(), ns, key, strings.NewReader(body), opts)
	if err != nil {
		t.Fatalf("put %s/%s: %v", ns, key, err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("put %s/%s returned no etag: %+v", ns, key, info)
	}
	return info
}

func read(t *testing.T, b storage.Backend, ns, key string) (string, *storage.ObjectInfo) {
	t.Helper()
	data, info, err := storage.ReadObject(context.Background(), b, ns, key)
	if err != nil {
		t.Fatalf("read %s/%s: %v", ns, key, err)
	}
	return string(data), info
}

func testPutGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if _, err := b.GetObject(ctx, "alpha", "missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err=%v want ErrNotFound", err)
	}
	info := put(t, b, "alpha", "p1/k1.json", `{"version":1}`, storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		Metadata:    map[string]string{"source": "suite"},
	})
	body, got := read(t, b, "alpha", "p1/k1.json")
	if body != `{"version":1}` {
		t.Fatalf("body=%q", body)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag=%q want %q", got.ETag, info.ETag)
	}
	if got.ContentType != storage.ContentTypeJSON {
		t.Fatalf("content type=%q", got.ContentType)
	}
	if got.Metadata["source"] != "suite" {
		t.Fatalf("metadata=%v", got.Metadata)
	}
	if got.Size != int64(len(body)) {
		t.Fatalf("size=%d want %d", got.Size, len(body))
	}
}

func testConditionalPut(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	first := put(t, b, "alpha", "cas.json", `{"n":1}`, storage.PutObjectOptions{IfNotExists: true})
	if _, err := b.PutObject(ctx, "alpha", "cas.json", strings.NewReader(`{"n":2}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("second create err=%v want ErrCASMismatch", err)
	}
	if _, err := b.PutObject(ctx, "alpha", "cas.json", strings.NewReader(`{"n":2}`), storage.PutObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag err=%v want ErrCASMismatch", err)
	}
	second := put(t, b, "alpha", "cas.json", `{"n":2}`, storage.PutObjectOptions{ExpectedETag: first.ETag})
	if second.ETag == first.ETag {
		t.Fatalf("etag did not change after update")
	}
	if body, _ := read(t, b, "alpha", "cas.json"); body != `{"n":2}` {
		t.Fatalf("body=%q", body)
	}
	if _, err := b.PutObject(ctx, "alpha", "absent.json", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected etag on missing object err=%v", err)
	}
}

func testConditionalDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	info := put(t, b, "alpha", "del.json", `{}`, storage.PutObjectOptions{})
	if err := b.DeleteObject(ctx, "alpha", "del.json", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("delete stale err=%v want ErrCASMismatch", err)
	}
	if err := b.DeleteObject(ctx, "alpha", "del.json", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.DeleteObject(ctx, "alpha", "del.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete missing err=%v want ErrNotFound", err)
	}
	if err := b.DeleteObject(ctx, "alpha", "del.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignore missing: %v", err)
	}
}

func testList(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		put(t, b, "alpha", fmt.Sprintf("q/orders/msg/%02d.json", i), `{}`, storage.PutObjectOptions{})
	}
	put(t, b, "alpha", "q/other/msg/00.json", `{}`, storage.PutObjectOptions{})

	page, err := b.ListObjects(ctx, "alpha", storage.ListOptions{Prefix: "q/orders/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated {
		t.Fatalf("first page=%+v", page)
	}
	if page.Objects[0].Key != "q/orders/msg/00.json" || page.Objects[1].Key != "q/orders/msg/01.json" {
		t.Fatalf("unexpected order: %s, %s", page.Objects[0].Key, page.Objects[1].Key)
	}
	all, err := storage.ListAll(ctx, b, "alpha", "q/orders/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("list all=%d want 5", len(all))
	}
	for i, obj := range all {
		if want := fmt.Sprintf("q/orders/msg/%02d.json", i); obj.Key != want {
			t.Fatalf("all[%d]=%q want %q", i, obj.Key, want)
		}
	}
	empty, err := b.ListObjects(ctx, "nothing-here", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list empty namespace: %v", err)
	}
	if len(empty.Objects) != 0 {
		t.Fatalf("empty namespace returned %d objects", len(empty.Objects))
	}
}

func testNamespaces(t *testing.T, b storage.Backend) {
	put(t, b, "alpha", "shared.json", `"a"`, storage.PutObjectOptions{})
	put(t, b, "beta", "shared.json", `"b"`, storage.PutObjectOptions{})
	if body, _ := read(t, b, "alpha", "shared.json"); body != `"a"` {
		t.Fatalf("alpha=%q", body)
	}
	if body, _ := read(t, b, "beta", "shared.json"); body != `"b"` {
		t.Fatalf("beta=%q", body)
	}
	if _, err := b.PutObject(context.Background(), "alpha", "../escape", bytes.NewReader(nil), storage.PutObjectOptions{}); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("escape key err=%v want ErrInvalidKey", err)
	}
}

func testQueueFeed(t *testing.T, b storage.Backend) {
	feed, ok := b.(storage.QueueChangeFeed)
	if !ok {
		t.Skip("backend has no queue change feed")
	}
	sub, err := feed.SubscribeQueueChanges("queues", "orders")
	if errors.Is(err, storage.ErrNotImplemented) {
		t.Skip("queue change feed disabled")
	}
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	put(t, b, "queues", "q/orders/msg/0001.json", `{}`, storage.PutObjectOptions{})
	select {
	case _, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
}
