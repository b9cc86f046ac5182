package aws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/durable/internal/storage"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return http.StatusText(e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestEndpointURL(t *testing.T) {
	cases := map[string]string{
		"s3.local:9000":         "https://s3.local:9000",
		"http://s3.local:9000":  "http://s3.local:9000",
		"https://s3.amazon.com": "https://s3.amazon.com",
	}
	for in, want := range cases {
		if got := endpointURL(in, false); got != want {
			t.Fatalf("endpointURL(%q)=%q want %q", in, got, want)
		}
	}
	if got := endpointURL("s3.local:9000", true); got != "http://s3.local:9000" {
		t.Fatalf("insecure endpoint=%q", got)
	}
}

func TestObjectKeyUsesPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "tenant"}}
	if got := store.objectKey("queues", "q/a/msg/1.json"); got != "tenant/queues/q/a/msg/1.json" {
		t.Fatalf("objectKey=%q", got)
	}
	bare := &Store{}
	if got := bare.objectKey("queues", ""); got != "queues" {
		t.Fatalf("namespace root=%q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	missing := &smithy.GenericAPIError{Code: "NoSuchKey"}
	if classifyPutObjectError(precondition, false) != storage.ErrCASMismatch {
		t.Fatal("precondition not mapped to CAS mismatch")
	}
	if classifyPutObjectError(missing, true) != storage.ErrNotFound {
		t.Fatal("missing key with etag not mapped to not found")
	}
	if classifyPutObjectError(missing, false) != nil {
		t.Fatal("missing key without etag should stay unclassified")
	}
	if !isPreconditionFailed(statusErr{code: http.StatusPreconditionFailed}) {
		t.Fatal("412 not treated as precondition failure")
	}
	if !isNotFound(statusErr{code: http.StatusNotFound}) {
		t.Fatal("404 not treated as not found")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"reset", syscall.ECONNRESET, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"503", statusErr{code: http.StatusServiceUnavailable}, true},
		{"429", statusErr{code: http.StatusTooManyRequests}, true},
		{"403", statusErr{code: http.StatusForbidden}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Fatalf("isRetryable=%v want %v", got, tc.want)
			}
		})
	}
}

func TestRemoteErrorMarksTransient(t *testing.T) {
	err := remoteError("put tenant/queues/x.json", statusErr{code: http.StatusBadGateway})
	if !storage.IsTransient(err) {
		t.Fatalf("502 should be transient: %v", err)
	}
	if err.Error() != "aws put tenant/queues/x.json: Bad Gateway" {
		t.Fatalf("message=%q", err)
	}
	if err := remoteError("put x", statusErr{code: http.StatusForbidden}); storage.IsTransient(err) {
		t.Fatalf("403 should not be transient: %v", err)
	}
}
