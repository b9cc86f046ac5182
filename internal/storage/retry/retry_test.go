package retry_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/retry"
)

type fakeClock struct {
	waits []time.Duration
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0).Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) { f.waits = append(f.waits, d) }

// flaky fails the first len(errs) put calls with the queued errors.
type flaky struct {
	storage.Backend
	errs   []error
	calls  int
	bodies []string
}

func (f *flaky) PutObject(ctx context.Context, ns, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, _ := io.ReadAll(body)
	f.bodies = append(f.bodies, string(data))
	f.calls++
	if idx := f.calls - 1; idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return f.Backend.PutObject(ctx, ns, key, strings.NewReader(string(data)), opts)
}

func TestRetryReplaysBodyWithBackoff(t *testing.T) {
	transient := storage.NewTransientError(errors.New("503"))
	inner := &flaky{Backend: memory.New(), errs: []error{transient, transient}}
	clk := &fakeClock{}
	b := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	if _, err := b.PutObject(context.Background(), "ns", "k.json", strings.NewReader(`{"a":1}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls=%d want 3", inner.calls)
	}
	for i, body := range inner.bodies {
		if body != `{"a":1}` {
			t.Fatalf("attempt %d body=%q", i, body)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.waits) != len(want) {
		t.Fatalf("waits=%v want %v", clk.waits, want)
	}
	for i := range want {
		if clk.waits[i] != want[i] {
			t.Fatalf("waits=%v want %v", clk.waits, want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	inner := &flaky{Backend: memory.New(), errs: []error{storage.ErrCASMismatch}}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	_, err := b.PutObject(context.Background(), "ns", "k.json", strings.NewReader(`{}`), storage.PutObjectOptions{})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("err=%v want ErrCASMismatch", err)
	}
	if inner.calls != 1 {
		t.Fatalf("calls=%d want 1", inner.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("timeout"))
	inner := &flaky{Backend: memory.New(), errs: []error{transient, transient, transient}}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 2})
	_, err := b.PutObject(context.Background(), "ns", "k.json", strings.NewReader(`{}`), storage.PutObjectOptions{})
	if !storage.IsTransient(err) {
		t.Fatalf("err=%v want transient", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls=%d want 2", inner.calls)
	}
}

func TestRetryForwardsQueueFeed(t *testing.T) {
	b := retry.Wrap(memory.New(), nil, nil, retry.Config{})
	feed, ok := b.(storage.QueueChangeFeed)
	if !ok {
		t.Fatal("wrapper hides queue feed")
	}
	sub, err := feed.SubscribeQueueChanges("queues", "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
	if status := b.(storage.QueueWatchStatusProvider).QueueWatchStatus(); !status.Enabled {
		t.Fatalf("status=%+v", status)
	}
}
