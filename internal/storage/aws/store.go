// Package aws stores durable objects in Amazon S3 through aws-sdk-go-v2.
// Unlike the generic s3 backend it relies on S3's native If-Match and
// If-None-Match support, so a conditional write is a single request.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/durable/internal/storage"
)

// Config describes the bucket and how to reach it. Credentials come from
// the default AWS chain.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store is a storage.Backend over one S3 bucket.
type Store struct {
	client *s3.Client
	cfg    Config
}

// callTimeout bounds a request that arrives without a tighter deadline.
const callTimeout = 5 * time.Minute

// New loads the AWS configuration and builds the client.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("aws: bucket is required")
	case cfg.Region == "":
		return nil, errors.New("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	transport := storage.PooledTransport()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load shared config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Insecure))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

// endpointURL adds a scheme to a bare host[:port] endpoint.
func endpointURL(endpoint string, insecure bool) string {
	switch {
	case strings.Contains(endpoint, "://"):
		return endpoint
	case insecure:
		return "http://" + endpoint
	default:
		return "https://" + endpoint
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= callTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, callTimeout)
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, remoteError("head bucket "+s.cfg.Bucket, err)
	}
}

// GetObject streams the object. The call timeout stays armed until the
// body is closed.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	ctx, cancel := withTimeout(ctx)
	name := s.objectKey(namespace, key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, remoteError("get "+name, err)
	}
	return storage.GetObjectResult{
		Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(aws.ToString(resp.ETag)),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
			Metadata:     storage.NormalizeMetadata(resp.Metadata),
		},
	}, nil
}

// PutObject writes body with If-Match or If-None-Match: * as requested.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	name := s.objectKey(namespace, key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(name),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    storage.CloneMetadata(opts.Metadata),
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	applySSE(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	length := storage.ReaderLength(body)
	if length >= 0 {
		input.ContentLength = aws.Int64(length)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if mapped := classifyPutObjectError(err, opts.ExpectedETag != ""); mapped != nil {
			return nil, mapped
		}
		return nil, remoteError("put "+name, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(aws.ToString(out.ETag)),
		Size:         max(length, 0),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		Metadata:     storage.CloneMetadata(opts.Metadata),
	}, nil
}

// DeleteObject removes the object with If-Match when ExpectedETag is set.
// S3 deletes of missing keys succeed, so existence is checked with a HEAD.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	name := s.objectKey(namespace, key)
	missing := func() error {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)}); err != nil {
		if isNotFound(err) {
			return missing()
		}
		return remoteError("head "+name, err)
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	_, err := s.client.DeleteObject(ctx, input)
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return missing()
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	default:
		return remoteError("delete "+name, err)
	}
}

// ListObjects pages through ListObjectsV2 until opts.Limit keys are found.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateObjectKey(namespace, "x"); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := s.objectKey(namespace, "") + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + opts.Prefix),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + opts.StartAfter)
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	for {
		page, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, remoteError("list "+aws.ToString(input.Prefix), err)
		}
		for _, object := range page.Contents {
			key, ok := strings.CutPrefix(aws.ToString(object.Key), root)
			if !ok || key == "" {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         storage.TrimETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			return result, nil
		}
		input.ContinuationToken = page.NextContinuationToken
		input.StartAfter = nil
	}
}

func (s *Store) objectKey(namespace, key string) string {
	return storage.PrefixedKey(s.cfg.Prefix, namespace, key)
}

// cancelReadCloser releases the call timeout when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSE(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
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

// statusCode digs the HTTP status out of SDK and smithy errors.
func statusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	switch errorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
		return true
	}
	code := statusCode(err)
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

func isRetryable(err error) bool {
	return storage.Retryable(err, statusCode)
}

func remoteError(op string, err error) error {
	return storage.RemoteError("aws", op, err, statusCode)
}
