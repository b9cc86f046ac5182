package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/durable/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected credential error")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("got %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=b", "sv=1")
	if err != nil {
		t.Fatalf("append existing query: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=b&sv=1" {
		t.Fatalf("got %q", got)
	}
}

func TestObjectBlobEscapesSegments(t *testing.T) {
	s := &Store{prefix: "tenant"}
	name, err := s.objectBlob("register.flights", "p 1/k%2F.json")
	if err != nil {
		t.Fatalf("objectBlob: %v", err)
	}
	if name != "tenant/register.flights/p%201/k%252F.json" {
		t.Fatalf("name=%q", name)
	}
	back, err := unescapeName("p%201/k%252F.json")
	if err != nil || back != "p 1/k%2F.json" {
		t.Fatalf("unescape=%q err=%v", back, err)
	}
	if _, err := s.objectBlob("register.flights", "../x"); !errors.Is(err, storage.ErrInvalidKey) {
		t.Fatalf("escape err=%v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	expanded := expandMetadata(map[string]string{"durable_dek": "abc"})
	flat := flattenMetadata(map[string]*string{"Durable_dek": expanded["durable_dek"]})
	if flat["durable_dek"] != "abc" {
		t.Fatalf("metadata=%v", flat)
	}
	if expandMetadata(nil) != nil || flattenMetadata(nil) != nil {
		t.Fatal("empty metadata should stay nil")
	}
}

func TestErrorClassification(t *testing.T) {
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("412 not a precondition failure")
	}
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "BlobAlreadyExists"}) {
		t.Fatal("BlobAlreadyExists not a precondition failure")
	}
	if isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "LeaseIdMissing"}) {
		t.Fatal("unrelated conflict classified as precondition failure")
	}
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("404 not classified")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("container exists not classified")
	}
	if !storage.IsTransient(remoteError("x", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable})) {
		t.Fatal("503 should be transient")
	}
	if !storage.IsTransient(remoteError("x", context.DeadlineExceeded)) {
		t.Fatal("deadline should be transient")
	}
	if storage.IsTransient(remoteError("x", &azcore.ResponseError{StatusCode: http.StatusForbidden})) {
		t.Fatal("403 should not be transient")
	}
}

func TestAccessConditions(t *testing.T) {
	if accessConditions("", false) != nil {
		t.Fatal("unconditional write should carry no conditions")
	}
	match := accessConditions("0x8D", false)
	if got := *match.ModifiedAccessConditions.IfMatch; got != azcore.ETag("0x8D") {
		t.Fatalf("if-match=%q", got)
	}
	create := accessConditions("", true)
	if got := *create.ModifiedAccessConditions.IfNoneMatch; got != azcore.ETagAny {
		t.Fatalf("if-none-match=%q", got)
	}
	if etagString(nil) != "" || deref[int64](nil) != 0 {
		t.Fatal("nil pointers should read as zero values")
	}
}
