// Package s3 stores durable objects in an S3-compatible bucket (MinIO,
// Ceph, Garage and similar) through minio-go. Every object lives at
// <prefix>/<namespace>/<key>. Conditional writes are checked with a HEAD
// before the PUT because several of these servers accept If-Match headers
// without enforcing them.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/durable/internal/storage"
)

// Config describes the bucket and how to reach it.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// PartSize switches uploads above it to multipart.
	PartSize int64
	// ServerSideEnc is "AES256" or "KMS" (with KMSKeyID).
	ServerSideEnc string
	KMSKeyID      string
	// CustomCreds replaces the env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store is a storage.Backend over one bucket.
type Store struct {
	client *minio.Client
	cfg    Config
	sse    encrypt.ServerSide
}

// New builds the client. It does not contact the server.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = "s3." + cfg.Region + ".amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = storage.PooledTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: client for %s: %w", endpoint, err)
	}
	sse, err := serverSide(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, sse: sse}, nil
}

func serverSide(mode, keyID string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if keyID == "" {
			return nil, errors.New("s3: KMS encryption needs a key id")
		}
		sse, err := encrypt.NewSSEKMS(keyID, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: KMS key %s: %w", keyID, err)
		}
		return sse, nil
	default:
		return nil, fmt.Errorf("s3: unknown server-side encryption %q", mode)
	}
}

// Close is a no-op; the client holds no resources beyond its transport.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// GetObject streams the object. Errors minio defers until the first Read
// are still mapped to storage.ErrNotFound.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	name := s.objectKey(namespace, key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, remoteError("get "+name, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, remoteError("stat "+name, err)
	}
	return storage.GetObjectResult{
		Reader: &notFoundAwareObject{object: obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(info.ETag),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
			Metadata:     storage.NormalizeMetadata(info.UserMetadata),
		},
	}, nil
}

// PutObject writes body. ExpectedETag and IfNotExists are verified with a
// HEAD and also sent as request headers for servers that honour them.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return nil, err
	}
	name := s.objectKey(namespace, key)
	conditional := opts.ExpectedETag != "" || opts.IfNotExists
	if conditional {
		if err := s.precondition(ctx, name, opts.ExpectedETag, opts.IfNotExists); err != nil {
			return nil, err
		}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	put := minio.PutObjectOptions{
		ContentType:          contentType,
		UserMetadata:         storage.CloneMetadata(opts.Metadata),
		ServerSideEncryption: s.sse,
	}
	if s.cfg.PartSize > 0 {
		put.PartSize = uint64(s.cfg.PartSize)
	}
	switch {
	case opts.ExpectedETag != "":
		put.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		put.SetMatchETagExcept("*")
	}
	length := storage.ReaderLength(body)
	uploaded, err := s.client.PutObject(ctx, s.cfg.Bucket, name, body, length, put)
	if err != nil {
		if mapped := classifyPutObjectError(err, opts.ExpectedETag != ""); mapped != nil {
			return nil, mapped
		}
		return nil, remoteError("put "+name, err)
	}
	etag := storage.TrimETag(uploaded.ETag)
	// Multipart ETags differ between servers; read back the stored one.
	if length < 0 || (s.cfg.PartSize > 0 && length > s.cfg.PartSize) {
		if stat, err := s.client.StatObject(ctx, s.cfg.Bucket, name, minio.StatObjectOptions{}); err == nil {
			etag = storage.TrimETag(stat.ETag)
		}
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         uploaded.Size,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		Metadata:     storage.CloneMetadata(opts.Metadata),
	}, nil
}

func (s *Store) precondition(ctx context.Context, name, expectedETag string, ifNotExists bool) error {
	etag, found, err := s.head(ctx, name)
	switch {
	case err != nil:
		return err
	case !found && expectedETag != "":
		return storage.ErrNotFound
	case !found:
		return nil
	case ifNotExists, etag != expectedETag:
		return storage.ErrCASMismatch
	}
	return nil
}

// head returns the current ETag of name and whether it exists.
func (s *Store) head(ctx context.Context, name string) (string, bool, error) {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, remoteError("stat "+name, err)
	}
	return storage.TrimETag(info.ETag), true, nil
}

// DeleteObject removes the object. S3 deletes are unconditional, so
// ExpectedETag is compared against a HEAD first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return err
	}
	name := s.objectKey(namespace, key)
	etag, found, err := s.head(ctx, name)
	switch {
	case err != nil:
		return err
	case !found && opts.IgnoreNotFound:
		return nil
	case !found:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		return remoteError("delete "+name, err)
	}
	return nil
}

// ListObjects lists keys under opts.Prefix in lexical order. Entries carry
// no user metadata.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateObjectKey(namespace, "x"); err != nil {
		return nil, err
	}
	root := s.objectKey(namespace, "") + "/"
	list := minio.ListObjectsOptions{Prefix: root + opts.Prefix, Recursive: true}
	if opts.StartAfter != "" {
		list.StartAfter = root + opts.StartAfter
	}
	if opts.Limit > 0 {
		list.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, list) {
		if object.Err != nil {
			return nil, remoteError("list "+list.Prefix, object.Err)
		}
		key, ok := strings.CutPrefix(object.Key, root)
		if !ok || key == "" || key <= opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	return result, nil
}

func (s *Store) objectKey(namespace, key string) string {
	return storage.PrefixedKey(s.cfg.Prefix, namespace, key)
}

// classifyPutObjectError maps a failed conditional PUT to the storage
// sentinels, or returns nil when err is something else.
func classifyPutObjectError(err error, hasExpectedETag bool) error {
	switch {
	case err == nil:
		return nil
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	case hasExpectedETag && isNotFound(err):
		return storage.ErrNotFound
	}
	return nil
}

// notFoundAwareObject maps a 404 surfaced on Read to storage.ErrNotFound.
type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	if o.object == nil {
		return nil
	}
	return o.object.Close()
}

func statusCode(err error) int {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

func isRetryable(err error) bool {
	return storage.Retryable(err, statusCode)
}

func remoteError(op string, err error) error {
	return storage.RemoteError("s3", op, err, statusCode)
}
