package durable

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t)
	if !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected url %q", ts.URL())
	}
	if ts.Config.Store != "mem://" {
		t.Fatalf("unexpected store %q", ts.Config.Store)
	}
	if ts.Backend() == nil {
		t.Fatal("expected backend")
	}
	if ts.GRPC != nil {
		t.Fatal("grpc client should be nil unless requested")
	}
	resp, err := http.Get(ts.URL() + "/flights/p1/k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestNewTestServerConfigFunc(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(c *Config) {
		c.RequiredScope = "registry:write"
	}))
	resp, err := http.Get(ts.URL() + "/flights/p1/k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", resp.StatusCode)
	}
}

func TestNewTestServerDiskStore(t *testing.T) {
	ts := StartTestServer(t, WithTestStore("disk://"+t.TempDir()))
	if !strings.HasPrefix(ts.Config.Store, "disk://") {
		t.Fatalf("unexpected store %q", ts.Config.Store)
	}
	status, body := do(t, http.DefaultClient, http.MethodPost, ts.URL()+"/flights/p/k/commit", `{"version":0,"value":1}`)
	if status != http.StatusOK {
		t.Fatalf("commit: %d %s", status, body)
	}
}

func TestNewTestServerBadStore(t *testing.T) {
	if _, err := NewTestServer(context.Background(), WithTestStore("ftp://nowhere"), WithTestStartTimeout(time.Second)); err == nil {
		t.Fatal("expected error for unsupported store")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ts, err := NewTestServer(context.Background(), WithTestLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
