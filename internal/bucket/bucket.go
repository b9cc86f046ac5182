// Package bucket stores JSON objects by key with optional string metadata,
// in the manner of an R2 bucket.
package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

// NamespacePrefix prefixes the storage namespace of every bucket.
const NamespacePrefix = "bucket."

var (
	// ErrInvalidKey rejects empty or traversing keys.
	ErrInvalidKey = errors.New("bucket: invalid key")
	// ErrInvalidValue rejects values that are not JSON.
	ErrInvalidValue = errors.New("bucket: value must be valid JSON")
)

// Namespace returns the storage namespace used for bucket name.
func Namespace(name string) string {
	return NamespacePrefix + name
}

// Bucket is a JSON object store over one storage namespace.
type Bucket struct {
	name      string
	backend   storage.Backend
	namespace string
	logger    pslog.Logger
}

// Object describes a stored object without its body.
type Object struct {
	Key      string
	ETag     string
	Size     int64
	Metadata map[string]string
}

// New binds a bucket called name to backend.
func New(backend storage.Backend, name string, logger pslog.Logger) *Bucket {
	return &Bucket{
		name:      name,
		backend:   backend,
		namespace: Namespace(name),
		logger:    loggingutil.WithSubsystem(logger, "bucket").With("bucket", name),
	}
}

// Name reports the bucket name.
func (b *Bucket) Name() string { return b.name }

// Get returns the JSON stored at key. found is false for missing keys.
func (b *Bucket) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	data, _, err := storage.ReadObject(ctx, b.backend, b.namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bucket: get %s/%s: %w", b.name, key, err)
	}
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("bucket: object %s/%s is not JSON", b.name, key)
	}
	return data, true, nil
}

// Head returns the object description of key.
func (b *Bucket) Head(ctx context.Context, key string) (*Object, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	res, err := b.backend.GetObject(ctx, b.namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bucket: head %s/%s: %w", b.name, key, err)
	}
	_ = res.Reader.Close()
	return objectFromInfo(res.Info), true, nil
}

// Put stores value at key, replacing any previous object.
func (b *Bucket) Put(ctx context.Context, key string, value json.RawMessage, metadata map[string]string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if !json.Valid(value) {
		return nil, ErrInvalidValue
	}
	info, err := b.backend.PutObject(ctx, b.namespace, key, bytes.NewReader(value), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		Metadata:    storage.NormalizeMetadata(metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("bucket: put %s/%s: %w", b.name, key, err)
	}
	loggingutil.FromContext(ctx, b.logger).Debug("bucket.put", "key", key, "bytes", len(value))
	return objectFromInfo(info), nil
}

// Delete removes key. Missing keys are not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := b.backend.DeleteObject(ctx, b.namespace, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("bucket: delete %s/%s: %w", b.name, key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix, in key order.
func (b *Bucket) List(ctx context.Context, prefix string) ([]Object, error) {
	infos, err := storage.ListAll(ctx, b.backend, b.namespace, prefix)
	if err != nil {
		return nil, fmt.Errorf("bucket: list %s: %w", b.name, err)
	}
	out := make([]Object, 0, len(infos))
	for i := range infos {
		out = append(out, *objectFromInfo(&infos[i]))
	}
	return out, nil
}

func objectFromInfo(info *storage.ObjectInfo) *Object {
	if info == nil {
		return &Object{}
	}
	return &Object{
		Key:      info.Key,
		ETag:     info.ETag,
		Size:     info.Size,
		Metadata: storage.CloneMetadata(info.Metadata),
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if err := storage.ValidateObjectKey("bucket", key); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
