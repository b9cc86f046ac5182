package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/logging"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/storagetest"
)

func TestLoggingWrapperConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return logging.Wrap(memory.New(), nil, "storage.test")
	}, storagetest.Options{})
}

func TestLoggingWrapperEmitsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
	b := logging.Wrap(memory.New(), logger, "storage.test")
	ctx := context.Background()
	if _, err := b.PutObject(ctx, "ns", "k.json", strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.GetObject(ctx, "ns", "missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get err=%v", err)
	}
	out := buf.String()
	for _, want := range []string{"storage.put_object.begin", "storage.put_object.success", "storage.get_object.miss"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in log output:\n%s", want, out)
		}
	}
}
