package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/storagetest"
)

func newTestStore(t *testing.T, watch bool) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir(), QueueWatch: watch})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t, true)
	}, storagetest.Options{})
}

func TestDiskRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestDiskKeysStayUnderRoot(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	key := "p%2F1/k 1.json"
	if _, err := store.PutObject(ctx, "register.flights", key, strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var found []string
	err := filepath.WalkDir(store.objectDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected one object file, got %v", found)
	}
	all, err := storage.ListAll(ctx, store, "register.flights", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Key != key {
		t.Fatalf("list returned %+v", all)
	}
}

func TestDiskSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	info, err := first.PutObject(ctx, "bucket.projections", "a/b.json", strings.NewReader(`"x"`), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		Metadata:    map[string]string{"origin": "test"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	first.Close()

	second, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, got, err := storage.ReadObject(ctx, second, "bucket.projections", "a/b.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `"x"` || got.ETag != info.ETag || got.Metadata["origin"] != "test" {
		t.Fatalf("unexpected object %q %+v", data, got)
	}
}

func TestDiskQueueWatchDisabled(t *testing.T) {
	store := newTestStore(t, false)
	if status := store.QueueWatchStatus(); status.Enabled || status.Reason != "config_disabled" {
		t.Fatalf("status=%+v", status)
	}
	if _, err := store.SubscribeQueueChanges("queues", "orders"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("subscribe err=%v want ErrNotImplemented", err)
	}
}
