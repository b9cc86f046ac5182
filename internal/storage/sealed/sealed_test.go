package sealed_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/kryptograf"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/sealed"
	"pkt.systems/durable/internal/storage/storagetest"
)

func TestSealedConformance(t *testing.T) {
	root := kryptograf.MustGenerateRootKey()
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return sealed.Wrap(memory.New(), root)
	}, storagetest.Options{})
}

func TestSealedStoresCiphertext(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	b := sealed.Wrap(inner, kryptograf.MustGenerateRootKey())
	plain := `{"secret":"flight-plan"}`
	if _, err := b.PutObject(ctx, "bucket.projections", "f1", strings.NewReader(plain), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, info, err := storage.ReadObject(ctx, inner, "bucket.projections", "f1")
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if bytes.Contains(raw, []byte("flight-plan")) {
		t.Fatal("plaintext visible in backend")
	}
	if info.ContentType != storage.ContentTypeSealed || info.Metadata[sealed.DescriptorKey] == "" {
		t.Fatalf("raw info=%+v", info)
	}
	got, info, err := storage.ReadObject(ctx, b, "bucket.projections", "f1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != plain || info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("got %q (%s)", got, info.ContentType)
	}
	if _, ok := info.Metadata[sealed.DescriptorKey]; ok {
		t.Fatal("descriptor leaked to caller")
	}
}

func TestSealedRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	writer := sealed.Wrap(inner, kryptograf.MustGenerateRootKey())
	reader := sealed.Wrap(inner, kryptograf.MustGenerateRootKey())
	if _, err := writer.PutObject(ctx, "ns", "k", strings.NewReader(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := storage.ReadObject(ctx, reader, "ns", "k"); err == nil {
		t.Fatal("decrypt with a different root key succeeded")
	}
}

func TestGenerateBundleRoundTrip(t *testing.T) {
	pem, err := sealed.GenerateBundle(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "durable.pem")
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromPath, err := sealed.LoadRootKey(path)
	if err != nil {
		t.Fatalf("load path: %v", err)
	}
	fromBytes, err := sealed.LoadRootKey(string(pem))
	if err != nil {
		t.Fatalf("load bytes: %v", err)
	}
	if fromPath != fromBytes {
		t.Fatal("root keys differ")
	}
}
