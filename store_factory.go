package durable

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/storage"
	awsstore "pkt.systems/durable/internal/storage/aws"
	azurestore "pkt.systems/durable/internal/storage/azure"
	"pkt.systems/durable/internal/storage/disk"
	storagelog "pkt.systems/durable/internal/storage/logging"
	"pkt.systems/durable/internal/storage/memory"
	"pkt.systems/durable/internal/storage/retry"
	"pkt.systems/durable/internal/storage/s3"
	"pkt.systems/durable/internal/storage/sealed"
	"pkt.systems/durable/internal/storage/sqlite"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// String renders the summary without the secret.
func (c CredentialSummary) String() string {
	switch {
	case c.AccessKey == "":
		return c.Source
	case c.HasSecret:
		return fmt.Sprintf("%s (access key %s, secret set)", c.Source, c.AccessKey)
	default:
		return fmt.Sprintf("%s (access key %s, no secret)", c.Source, c.AccessKey)
	}
}

const objectStoreCheckTimeout = 10 * time.Second

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// openBackend resolves cfg.Store into a backend wrapped with encryption,
// logging and retries.
func openBackend(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	raw, err := openRawBackend(cfg)
	if err != nil {
		return nil, err
	}
	return wrapBackend(raw, cfg, logger, clk)
}

func wrapBackend(raw storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	backend := raw
	if cfg.StorageEncryptionEnabled() {
		root, err := sealed.LoadRootKey(cfg.StorageEncryptionKey)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("config: storage encryption: %w", err)
		}
		backend = sealed.Wrap(backend, root)
	}
	backend = storagelog.Wrap(backend, logger, "storage.backend")
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return backend, nil
}

func openRawBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{QueueWatch: cfg.MemQueueWatch}), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "sqlite":
		sqlCfg, err := BuildSQLiteConfig(cfg)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(sqlCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend, s3cfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend, awscfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if v, ok := boolParam(query, "tls"); ok {
		secure = v
	}
	if v, ok := boolParam(query, "insecure"); ok && v {
		secure = false
	}
	forcePath, _ := boolParam(query, "path-style")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		PartSize:       cfg.S3MaxPartSize,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs served by the AWS SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("DURABLE_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or DURABLE_AWS_REGION)")
	}
	insecure, _ := boolParam(query, "insecure")
	forcePath, _ := boolParam(query, "path-style")
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, resolveAWSCredentials(), nil
}

func splitBucketPath(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func boolParam(query url.Values, name string) (bool, bool) {
	v := query.Get(name)
	if v == "" {
		return false, false
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return ok, true
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("DURABLE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("DURABLE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("DURABLE_S3_SESSION_TOKEN")
		source = "env:DURABLE_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("DURABLE_S3_ROOT_USER"))
		secretKey = os.Getenv("DURABLE_S3_ROOT_PASSWORD")
		source = "env:DURABLE_S3_ROOT_USER"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	switch {
	case strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")) != "":
		return CredentialSummary{
			AccessKey: strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
			HasSecret: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != "",
			Source:    "env:AWS_ACCESS_KEY_ID",
		}
	case strings.TrimSpace(os.Getenv("AWS_PROFILE")) != "":
		return CredentialSummary{Source: "profile:" + strings.TrimSpace(os.Getenv("AWS_PROFILE"))}
	default:
		return CredentialSummary{Source: "auto"}
	}
}

func ensureObjectStoreReady(ctx context.Context, checker bucketChecker, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, objectStoreCheckTimeout)
	defer cancel()
	exists, err := checker.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration from
// azure://account/container[/prefix] plus config and environment fallbacks.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("DURABLE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("DURABLE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs into a disk.Config and returns the root path.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	root, err := fileStorePath(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, "", err
	}
	return disk.Config{Root: root, QueueWatch: cfg.DiskQueueWatch}, root, nil
}

// BuildSQLiteConfig parses sqlite:///path/to.db and sqlite::memory: URLs.
func BuildSQLiteConfig(cfg Config) (sqlite.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return sqlite.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "sqlite" {
		return sqlite.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if u.Opaque == ":memory:" {
		return sqlite.Config{Path: ":memory:"}, nil
	}
	path, err := fileStorePath(cfg.Store, "sqlite")
	if err != nil {
		return sqlite.Config{}, err
	}
	return sqlite.Config{Path: path}, nil
}

func fileStorePath(store, scheme string) (string, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	pathPart = strings.TrimSuffix(pathPart, "/")
	if pathPart == "" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/durable)", scheme, scheme)
	}
	return filepath.Clean(pathPart), nil
}
