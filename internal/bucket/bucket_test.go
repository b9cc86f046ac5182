package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/durable/internal/storage/memory"
)

type mapResolver map[string]*Bucket

func (m mapResolver) Bucket(binding string) (*Bucket, error) {
	if b, ok := m[binding]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("unknown binding %q", binding)
}

func newBucket(t *testing.T) *Bucket {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, "scheduling", nil)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t)
	if _, found, err := b.Get(ctx, "dashboard"); err != nil || found {
		t.Fatalf("get missing found=%v err=%v", found, err)
	}
	obj, err := b.Put(ctx, "dashboard", json.RawMessage(`{"flights":3}`), map[string]string{"Source": "projection"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.ETag == "" || obj.Size != int64(len(`{"flights":3}`)) {
		t.Fatalf("object=%+v", obj)
	}
	value, found, err := b.Get(ctx, "dashboard")
	if err != nil || !found || string(value) != `{"flights":3}` {
		t.Fatalf("get value=%s found=%v err=%v", value, found, err)
	}
	head, found, err := b.Head(ctx, "dashboard")
	if err != nil || !found {
		t.Fatalf("head found=%v err=%v", found, err)
	}
	if len(head.Metadata) != 1 {
		t.Fatalf("metadata=%v", head.Metadata)
	}
	if err := b.Delete(ctx, "dashboard"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, "dashboard"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, found, _ := b.Get(ctx, "dashboard"); found {
		t.Fatal("deleted object still present")
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t)
	for _, key := range []string{"", " ", "../x", "a//b", "/abs"} {
		if _, err := b.Put(ctx, key, json.RawMessage(`1`), nil); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("put %q err=%v want ErrInvalidKey", key, err)
		}
	}
	if _, err := b.Put(ctx, "k", json.RawMessage(`{nope`), nil); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("invalid value err=%v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t)
	for _, key := range []string{"views/b", "views/a", "other"} {
		if _, err := b.Put(ctx, key, json.RawMessage(`{}`), nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	objs, err := b.List(ctx, "views/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "views/a" || objs[1].Key != "views/b" {
		t.Fatalf("list=%+v", objs)
	}
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t)
	if _, err := b.Put(ctx, "dashboard", json.RawMessage(`{"flights":[1,2]}`), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.Put(ctx, "views/daily", json.RawMessage(`"nested"`), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	h := NewHandler(mapResolver{"scheduling_bucket": b}, nil)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/buckets/scheduling/dashboard", http.StatusOK, `{"flights":[1,2]}`},
		{"/buckets/scheduling/views/daily", http.StatusOK, `"nested"`},
		{"/buckets/scheduling/missing", http.StatusNotFound, `{"error":"not found"}`},
		{"/buckets/unknown/dashboard", http.StatusNotFound, `{"error":"not found"}`},
		{"/buckets/scheduling", http.StatusNotFound, `{"error":"not found"}`},
		{"/buckets/scheduling/../x", http.StatusNotFound, `{"error":"not found"}`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com"+tc.path, nil))
		if rec.Code != tc.status {
			t.Fatalf("%s status=%d want %d", tc.path, rec.Code, tc.status)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != tc.body {
			t.Fatalf("%s body=%s want %s", tc.path, got, tc.body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s content-type=%q", tc.path, ct)
		}
	}
}
