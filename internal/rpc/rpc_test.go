package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/queue"
	"pkt.systems/durable/internal/storage/memory"
)

type fixture struct {
	client *Client
	queues *queue.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	queues, err := queue.New(store, clock.Real{}, queue.Config{})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	resolver, err := binding.New(binding.DefaultBindings(), binding.Options{Backend: store, Queues: queues})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(nil)))
	NewServer(resolver, nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{client: NewClient(conn), queues: queues}
}

func TestRegisterRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, found, err := f.client.Get(ctx, "flights", "p1", "k1"); err != nil || found {
		t.Fatalf("get missing found=%v err=%v", found, err)
	}
	res, err := f.client.Begin(ctx, "flights", "p1", "k1")
	if err != nil || res.Empty == nil || res.Empty.Key != "k1" {
		t.Fatalf("begin=%+v err=%v", res, err)
	}
	outcome, err := f.client.Commit(ctx, "flights", "p1", "k1", 0, json.RawMessage(`{"gate":"A1"}`))
	if err != nil || outcome.Committed == nil || outcome.Committed.Version != 1 {
		t.Fatalf("commit=%+v err=%v", outcome, err)
	}
	outcome, err = f.client.Commit(ctx, "flights", "p1", "k1", 0, json.RawMessage(`{"gate":"B2"}`))
	if err != nil {
		t.Fatalf("conflicting commit err=%v", err)
	}
	if outcome.VersionConflict == nil || outcome.VersionConflict.Version == nil || *outcome.VersionConflict.Version != 0 {
		t.Fatalf("conflict=%+v", outcome)
	}
	value, found, err := f.client.Get(ctx, "flights", "p1", "k1")
	if err != nil || !found {
		t.Fatalf("get found=%v err=%v", found, err)
	}
	var got map[string]string
	if err := json.Unmarshal(value, &got); err != nil || got["gate"] != "A1" {
		t.Fatalf("value=%s err=%v", value, err)
	}
	res, err = f.client.Begin(ctx, "flights", "p1", "k1")
	if err != nil || res.Existing == nil || res.Existing.Version != 1 {
		t.Fatalf("begin existing=%+v err=%v", res, err)
	}
}

func TestUncoercibleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.client.Commit(context.Background(), "flights", "p1", "k1", "abc", json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("commit err=%v", err)
	}
	if outcome.VersionConflict == nil || outcome.VersionConflict.Version != nil {
		t.Fatalf("outcome=%+v", outcome)
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.client.Publish(ctx, binding.DefaultQueueBinding, json.RawMessage(`{"key":"dashboard"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Queue != binding.DefaultQueue || resp.ID == "" {
		t.Fatalf("resp=%+v", resp)
	}
	if depth, err := f.queues.Depth(ctx, binding.DefaultQueue); err != nil || depth != 1 {
		t.Fatalf("depth=%d err=%v", depth, err)
	}
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"unknown namespace", func() error { _, _, err := f.client.Get(ctx, "trains", "p", "k"); return err }, codes.NotFound},
		{"unknown queue", func() error { _, err := f.client.Publish(ctx, "nope", nil); return err }, codes.NotFound},
		{"missing key", func() error { _, err := f.client.Begin(ctx, "flights", "p", ""); return err }, codes.InvalidArgument},
		{"missing binding", func() error { _, err := f.client.Publish(ctx, "", nil); return err }, codes.InvalidArgument},
	}
	for _, tc := range cases {
		if got := status.Code(tc.call()); got != tc.code {
			t.Fatalf("%s: code=%s want %s", tc.name, got, tc.code)
		}
	}
}
