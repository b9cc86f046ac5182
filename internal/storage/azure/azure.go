// Package azure stores durable objects as block blobs in one Azure Storage
// container. Blob names path-escape every key segment, so listing decodes
// them back to the logical keys.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"pkt.systems/durable/internal/storage"
)

// Config names the account and container. Either AccountKey or SASToken
// must be set.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint defaults to https://<account>.blob.core.windows.net.
	Endpoint  string
	SASToken  string
	Container string
	Prefix    string
}

// Store is a storage.Backend over one container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

const setupTimeout = 30 * time.Second

// New builds the client and creates the container when it is missing.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, errors.New("azure: account is required")
	case cfg.Container == "":
		return nil, errors.New("azure: container is required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, errors.New("azure: account key or SAS token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client, err := newClient(cfg, endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, remoteError("create container "+cfg.Container, err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func newClient(cfg Config, endpoint string) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: &http.Client{Transport: storage.PooledTransport()}},
	}
	if cfg.SASToken != "" {
		signed, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		client, err := azblob.NewClientWithNoCredential(signed, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: client for %s: %w", endpoint, err)
		}
		return client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: shared key for %s: %w", cfg.Account, err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: client for %s: %w", endpoint, err)
	}
	return client, nil
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: endpoint %q: %w", endpoint, err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) prefixed(parts ...string) string {
	name := path.Join(parts...)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// objectBlob names the blob of namespace/key with each segment escaped.
func (s *Store) objectBlob(namespace, key string) (string, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return "", err
	}
	segments := strings.Split(key, "/")
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, url.PathEscape(namespace))
	for _, segment := range segments {
		parts = append(parts, url.PathEscape(segment))
	}
	return s.prefixed(parts...), nil
}

func (s *Store) namespaceRoot(namespace string) string {
	return s.prefixed(url.PathEscape(namespace)) + "/"
}

func unescapeName(name string) (string, error) {
	parts := strings.Split(name, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", err
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), nil
}

// GetObject downloads the blob as a stream.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, remoteError("download "+name, err)
	}
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        etagString(resp.ETag),
		Size:        deref(resp.ContentLength),
		ContentType: deref(resp.ContentType),
		Metadata:    flattenMetadata(resp.Metadata),
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads the blob. ExpectedETag maps to If-Match and IfNotExists
// to If-None-Match: *, both enforced by the service.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return nil, err
	}
	upload := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{},
		Metadata:         expandMetadata(opts.Metadata),
		AccessConditions: accessConditions(opts.ExpectedETag, opts.IfNotExists),
	}
	if opts.ContentType != "" {
		upload.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, name, counter, upload)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		return nil, remoteError("upload "+name, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         etagString(resp.ETag),
		Size:         counter.n,
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
		Metadata:     storage.CloneMetadata(opts.Metadata),
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// DeleteObject removes the blob, with If-Match when ExpectedETag is set.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, s.container, name, &azblob.DeleteBlobOptions{
		AccessConditions: accessConditions(opts.ExpectedETag, false),
	})
	switch {
	case err == nil:
		return nil
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	default:
		return remoteError("delete "+name, err)
	}
}

// ListObjects walks the flat listing of the namespace. Filtering happens
// on decoded keys because escaping changes their sort order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateObjectKey(namespace, "x"); err != nil {
		return nil, err
	}
	root := s.namespaceRoot(namespace)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(root)})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, remoteError("list "+root, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key, err := unescapeName(strings.TrimPrefix(*item.Name, root))
			if err != nil || key == "" || !strings.HasPrefix(key, opts.Prefix) || key <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return result, nil
			}
			result.Objects = append(result.Objects, itemInfo(key, item.Properties))
		}
	}
	return result, nil
}

func itemInfo(key string, props *container.BlobProperties) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key}
	if props == nil {
		return info
	}
	info.ETag = etagString(props.ETag)
	info.Size = deref(props.ContentLength)
	info.ContentType = deref(props.ContentType)
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	return info
}

func accessConditions(expectedETag string, ifNotExists bool) *blob.AccessConditions {
	var mod blob.ModifiedAccessConditions
	switch {
	case expectedETag != "":
		mod.IfMatch = to.Ptr(azcore.ETag(expectedETag))
	case ifNotExists:
		mod.IfNoneMatch = to.Ptr(azcore.ETagAny)
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: &mod}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func etagString(etag *azcore.ETag) string {
	if etag == nil {
		return ""
	}
	return string(*etag)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func expandMetadata(meta map[string]string) map[string]*string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]*string, len(meta))
	for k, v := range meta {
		out[k] = to.Ptr(v)
	}
	return out
}

// flattenMetadata lowercases keys; the service returns them capitalised.
func flattenMetadata(meta map[string]*string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v != nil {
			out[strings.ToLower(k)] = *v
		}
	}
	return out
}

func responseError(err error) *azcore.ResponseError {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr
	}
	return nil
}

func statusCode(err error) int {
	if respErr := responseError(err); respErr != nil {
		return respErr.StatusCode
	}
	return 0
}

func isContainerExists(err error) bool {
	respErr := responseError(err)
	return respErr != nil && respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}

func isPreconditionFailed(err error) bool {
	respErr := responseError(err)
	if respErr == nil {
		return false
	}
	if respErr.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "BlobAlreadyExists")
}

func isNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func remoteError(op string, err error) error {
	return storage.RemoteError("azure", op, err, statusCode)
}
