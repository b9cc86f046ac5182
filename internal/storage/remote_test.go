package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"pkt.systems/durable/internal/storage"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type coded struct{ code int }

func (c coded) Error() string { return http.StatusText(c.code) }

func codeOf(err error) int {
	var c coded
	if errors.As(err, &c) {
		return c.code
	}
	return 0
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"op timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"503", coded{http.StatusServiceUnavailable}, true},
		{"429", coded{http.StatusTooManyRequests}, true},
		{"408", coded{http.StatusRequestTimeout}, true},
		{"403", coded{http.StatusForbidden}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := storage.Retryable(tc.err, codeOf); got != tc.want {
			t.Errorf("%s: Retryable=%v want %v", tc.name, got, tc.want)
		}
	}
	if storage.Retryable(coded{http.StatusBadGateway}, nil) {
		t.Fatal("status ignored without a StatusFunc")
	}
}

func TestRemoteError(t *testing.T) {
	t.Parallel()

	if storage.RemoteError("s3", "get", nil, codeOf) != nil {
		t.Fatal("nil error should stay nil")
	}
	cause := coded{http.StatusBadGateway}
	err := storage.RemoteError("s3", "put q/a.json", cause, codeOf)
	if !storage.IsTransient(err) || !errors.Is(err, cause) {
		t.Fatalf("502 should wrap as transient: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "s3 put q/a.json: ") {
		t.Fatalf("message=%q", err)
	}
	if storage.IsTransient(storage.RemoteError("s3", "put", coded{http.StatusForbidden}, codeOf)) {
		t.Fatal("403 should not be transient")
	}
}

func TestReaderLength(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte("hello world"))
	if _, err := r.Seek(6, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if n := storage.ReaderLength(r); n != 5 {
		t.Fatalf("length=%d want 5", n)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "world" {
		t.Fatalf("position not restored: %q", rest)
	}
	if n := storage.ReaderLength(strings.NewReader("x")); n != 1 {
		t.Fatalf("strings reader length=%d", n)
	}
	if n := storage.ReaderLength(io.MultiReader(strings.NewReader("x"))); n != -1 {
		t.Fatalf("unseekable length=%d", n)
	}
}

func TestPrefixedKey(t *testing.T) {
	t.Parallel()

	cases := []struct{ prefix, ns, key, want string }{
		{"root", "register.flights", "p/k.json", "root/register.flights/p/k.json"},
		{"root", "register.flights", "", "root/register.flights"},
		{"", "queues", "q/a/msg/1.json", "queues/q/a/msg/1.json"},
		{"", "queues", "", "queues"},
	}
	for _, tc := range cases {
		if got := storage.PrefixedKey(tc.prefix, tc.ns, tc.key); got != tc.want {
			t.Errorf("PrefixedKey(%q,%q,%q)=%q want %q", tc.prefix, tc.ns, tc.key, got, tc.want)
		}
	}
	if storage.TrimETag(`"abc"`) != "abc" {
		t.Fatal("quotes not trimmed")
	}
}

func TestPooledTransport(t *testing.T) {
	t.Parallel()

	tr := storage.PooledTransport()
	if tr.MaxIdleConnsPerHost < 64 || tr.IdleConnTimeout == 0 || tr.TLSHandshakeTimeout == 0 {
		t.Fatalf("transport=%+v", tr)
	}
	if tr == http.DefaultTransport {
		t.Fatal("default transport returned instead of a clone")
	}
}
