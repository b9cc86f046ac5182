package durable

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/sealed"
)

func TestOpenRawBackendMemory(t *testing.T) {
	backend, err := openRawBackend(Config{Store: "mem://", MemQueueWatch: true})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	store, ok := backend.(*memory.Store)
	if !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if !store.QueueWatchStatus().Enabled {
		t.Fatalf("expected queue watch enabled")
	}
}

func TestOpenRawBackendUnknownScheme(t *testing.T) {
	if _, err := openRawBackend(Config{Store: "ftp://host/path"}); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestOpenBackendDiskAndSQLite(t *testing.T) {
	dir := t.TempDir()
	stores := []string{
		"disk://" + filepath.Join(dir, "disk"),
		"sqlite://" + filepath.Join(dir, "durable.db"),
		"sqlite::memory:",
	}
	for _, dsn := range stores {
		t.Run(dsn, func(t *testing.T) {
			cfg := Config{Store: dsn}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			backend, err := openBackend(cfg, pslog.NoopLogger(), clock.Real{})
			if err != nil {
				t.Fatalf("open backend: %v", err)
			}
			defer backend.Close()
			ctx := context.Background()
			if _, err := backend.PutObject(ctx, "alpha", "k.json", strings.NewReader(`{"a":1}`), storage.PutObjectOptions{}); err != nil {
				t.Fatalf("put: %v", err)
			}
			body, _, err := storage.ReadObject(ctx, backend, "alpha", "k.json")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(body) != `{"a":1}` {
				t.Fatalf("body=%q", body)
			}
		})
	}
}

func TestOpenBackendSealed(t *testing.T) {
	bundle, err := sealed.GenerateBundle(nil)
	if err != nil {
		t.Fatalf("generate bundle: %v", err)
	}
	path := filepath.Join(t.TempDir(), DefaultKeyBundleName)
	if err := os.WriteFile(path, bundle, 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	raw := memory.New()
	cfg := Config{Store: "mem://", StorageEncryptionKey: path}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := wrapBackend(raw, cfg, pslog.NoopLogger(), clock.Real{})
	if err != nil {
		t.Fatalf("wrap backend: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	if _, err := backend.PutObject(ctx, "alpha", "secret.json", strings.NewReader(`{"pin":1234}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	plain, _, err := storage.ReadObject(ctx, backend, "alpha", "secret.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(plain) != `{"pin":1234}` {
		t.Fatalf("plain=%q", plain)
	}
	stored, _, err := storage.ReadObject(ctx, raw, "alpha", "secret.json")
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if strings.Contains(string(stored), "1234") {
		t.Fatalf("raw object stored in plaintext")
	}
}

func TestOpenBackendBadKeyBundle(t *testing.T) {
	cfg := Config{Store: "mem://", StorageEncryptionKey: "not a pem bundle"}
	if _, err := openBackend(cfg, pslog.NoopLogger(), clock.Real{}); err == nil {
		t.Fatal("expected error for invalid key bundle")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3MaxPartSize:     8 << 20,
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure and path-style from query: %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" || s3cfg.PartSize != 8<<20 {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatal("expected error for non-s3 store")
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("DURABLE_S3_ACCESS_KEY_ID", "envkey")
	t.Setenv("DURABLE_S3_SECRET_ACCESS_KEY", "envsecret")
	_, summary, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if summary.AccessKey != "envkey" || summary.Source != "env:DURABLE_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	t.Setenv("DURABLE_S3_SECRET_ACCESS_KEY", "")
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{
		Store:       "aws://my-bucket/prefix?path-style=true",
		AWSRegion:   "us-west-2",
		AWSKMSKeyID: "aws-kms",
	}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected bucket/prefix: %s/%s", awsCfg.Bucket, awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" || awsCfg.KMSKeyID != "aws-kms" || !awsCfg.ForcePathStyle {
		t.Fatalf("unexpected config: %+v", awsCfg)
	}
	if summary.Source == "" {
		t.Fatal("expected credential summary source")
	}

	regional, _, err := BuildAWSConfig(Config{Store: "aws://b?region=eu-north-1&endpoint=localhost:4566"})
	if err != nil {
		t.Fatalf("BuildAWSConfig query: %v", err)
	}
	if regional.Region != "eu-north-1" || regional.Endpoint != "localhost:4566" {
		t.Fatalf("unexpected query config: %+v", regional)
	}

	if _, _, err := BuildAWSConfig(Config{Store: "aws://"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	t.Setenv("DURABLE_AWS_REGION", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://myaccount/container/prefix/path?sas=token",
		AzureAccountKey: "secret",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" || azureCfg.Container != "container" || azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected config: %+v", azureCfg)
	}
	if azureCfg.AccountKey != "secret" || azureCfg.SASToken != "token" {
		t.Fatalf("unexpected credentials: %+v", azureCfg)
	}

	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	t.Setenv("AZURE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{Store: "azure:///container"}); err == nil {
		t.Fatal("expected error for missing account")
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestBuildDiskAndSQLiteConfig(t *testing.T) {
	diskCfg, root, err := BuildDiskConfig(Config{Store: "disk:///var/lib/durable", DiskQueueWatch: true})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if root != "/var/lib/durable" || diskCfg.Root != root || !diskCfg.QueueWatch {
		t.Fatalf("unexpected disk config: %+v root=%s", diskCfg, root)
	}
	if _, _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for missing disk path")
	}

	sqlCfg, err := BuildSQLiteConfig(Config{Store: "sqlite:///tmp/durable.db"})
	if err != nil {
		t.Fatalf("BuildSQLiteConfig: %v", err)
	}
	if sqlCfg.Path != "/tmp/durable.db" {
		t.Fatalf("unexpected sqlite path: %s", sqlCfg.Path)
	}
	memCfg, err := BuildSQLiteConfig(Config{Store: "sqlite::memory:"})
	if err != nil {
		t.Fatalf("BuildSQLiteConfig memory: %v", err)
	}
	if memCfg.Path != ":memory:" {
		t.Fatalf("unexpected sqlite memory path: %s", memCfg.Path)
	}
}

type fakeChecker struct {
	exists bool
	err    error
}

func (f fakeChecker) BucketExists(context.Context) (bool, error) { return f.exists, f.err }

func TestEnsureObjectStoreReady(t *testing.T) {
	ctx := context.Background()
	if err := ensureObjectStoreReady(ctx, fakeChecker{exists: true}, "b"); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := ensureObjectStoreReady(ctx, fakeChecker{}, "b"); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	boom := errors.New("boom")
	if err := ensureObjectStoreReady(ctx, fakeChecker{err: boom}, "b"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
