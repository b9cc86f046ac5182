package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/storagetest"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)
	bucket := "durable-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "cluster-a",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
}

func TestS3Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store, err := New(setupFakeS3(t))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	}, storagetest.Options{})
}

func TestS3BucketExists(t *testing.T) {
	store, err := New(setupFakeS3(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ok, err := store.BucketExists(context.Background())
	if err != nil || !ok {
		t.Fatalf("bucket exists=%v err=%v", ok, err)
	}
}

func TestS3RequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestS3ObjectKeyUsesPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "root"}}
	if got := store.objectKey("register.flights", "p/k.json"); got != "root/register.flights/p/k.json" {
		t.Fatalf("objectKey=%q", got)
	}
	if got := store.objectKey("register.flights", ""); got != "root/register.flights" {
		t.Fatalf("namespace root=%q", got)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestClassifyPutObjectError(t *testing.T) {
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, false); got != storage.ErrCASMismatch {
		t.Fatalf("412 => %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}, false); got != storage.ErrCASMismatch {
		t.Fatalf("409 => %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusNotFound}, true); got != storage.ErrNotFound {
		t.Fatalf("404 with etag => %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusNotFound}, false); got != nil {
		t.Fatalf("404 without etag => %v", got)
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read([]byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil || !obj.closed {
		t.Fatalf("Close err=%v closed=%v", err, obj.closed)
	}
	boom := errors.New("boom")
	passthrough := &notFoundAwareObject{object: &stubObject{readErr: boom}}
	if _, err := passthrough.Read(make([]byte, 1)); !errors.Is(err, boom) {
		t.Fatalf("Read: expected passthrough, got %v", err)
	}
}

func TestServerSideEncryptionMode(t *testing.T) {
	if sse, err := serverSide("", ""); err != nil || sse != nil {
		t.Fatalf("empty mode: sse=%v err=%v", sse, err)
	}
	if sse, err := serverSide("aes256", ""); err != nil || sse == nil {
		t.Fatalf("AES256: sse=%v err=%v", sse, err)
	}
	if sse, err := serverSide("KMS", "key-1"); err != nil || sse == nil {
		t.Fatalf("KMS: sse=%v err=%v", sse, err)
	}
	if _, err := serverSide("KMS", ""); err == nil {
		t.Fatal("expected error for KMS without key id")
	}
	if _, err := New(Config{Bucket: "b", ServerSideEnc: "rot13"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
