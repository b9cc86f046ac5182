package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"gateway"}, "gateway"},
		{[]string{"consumer", "", "batch"}, "consumer.batch"},
		{[]string{".storage.", " disk "}, "storage.disk"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf)
	WithSubsystem(logger, "queue.consumer").Info("hello")
	if !strings.Contains(buf.String(), `"sys":"queue.consumer"`) {
		t.Fatalf("missing sys field: %s", buf.String())
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected noop fallback")
	}
	var buf bytes.Buffer
	scoped := pslog.NewStructured(context.Background(), &buf)
	ctx := pslog.ContextWithLogger(context.Background(), scoped)
	FromContext(ctx, nil).Info("from ctx")
	if !strings.Contains(buf.String(), "from ctx") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
}
