// Package storage defines the object storage contract that registers,
// queues and buckets persist through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// Content types written by the durable components.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeSealed      = "application/vnd.durable+sealed"
)

var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost its race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by backends lacking an optional feature.
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrInvalidKey rejects empty or unsafe namespaces and keys.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutObjectOptions control conditional writes. ExpectedETag and IfNotExists
// are mutually exclusive.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
	Metadata     map[string]string
}

// DeleteObjectOptions control conditional deletes.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions page through a namespace in ascending key order.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of ListObjects.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult carries an open object body. Callers close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is implemented by every storage driver. Keys are scoped to a
// namespace; the same key in two namespaces names two objects.
type Backend interface {
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	Close() error
}

// QueueChangeSubscription delivers coalesced wake-ups when a queue changes.
type QueueChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// QueueChangeFeed is implemented by backends that can notify queue writers'
// peers without polling.
type QueueChangeFeed interface {
	SubscribeQueueChanges(namespace, queue string) (QueueChangeSubscription, error)
}

// QueueWatchStatusProvider reports whether a QueueChangeFeed is live.
type QueueWatchStatusProvider interface {
	QueueWatchStatus() QueueWatchStatus
}

// QueueWatchStatus explains the queue notification mode.
type QueueWatchStatus struct {
	Enabled bool
	Mode    string
	Reason  string
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

var metadataKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// MetadataReservedPrefix is used by storage wrappers for their own keys.
const MetadataReservedPrefix = "durable_"

// ValidateMetadata enforces keys that every backend can persist verbatim
// (Azure requires identifier-shaped names, S3 folds case).
func ValidateMetadata(meta map[string]string) error {
	for k := range meta {
		if !metadataKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: metadata key %q must match %s", ErrInvalidKey, k, metadataKeyPattern.String())
		}
	}
	return nil
}

// NormalizeMetadata lowercases keys read back from case-folding backends.
func NormalizeMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ToLower(k)] = v
	}
	return out
}

// CloneMetadata copies meta so callers cannot alias backend state.
func CloneMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// ValidateObjectKey rejects keys that cannot be mapped safely to paths.
func ValidateObjectKey(namespace, key string) error {
	if strings.TrimSpace(namespace) == "" || strings.ContainsAny(namespace, "/\\") || namespace == "." || namespace == ".." {
		return fmt.Errorf("%w: namespace %q", ErrInvalidKey, namespace)
	}
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: key %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: key %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ReadObject loads an object body fully.
func ReadObject(ctx context.Context, backend Backend, namespace, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, namespace, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s/%s: %w", namespace, key, err)
	}
	return data, res.Info, nil
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, backend Backend, namespace, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	opts := ListOptions{Prefix: prefix}
	for {
		page, err := backend.ListObjects(ctx, namespace, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextStartAfter == "" {
			return out, nil
		}
		opts.StartAfter = page.NextStartAfter
	}
}

// QueueKeyPrefix is the key prefix that queue documents live under. Change
// feeds use it to map object writes back to queue names.
const QueueKeyPrefix = "q/"

// QueueNameFromKey extracts the queue from keys shaped q/<queue>/...
func QueueNameFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, QueueKeyPrefix)
	if !ok {
		return "", false
	}
	queue, _, ok := strings.Cut(rest, "/")
	if !ok || queue == "" {
		return "", false
	}
	return queue, true
}
