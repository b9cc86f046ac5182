// Package sealed encrypts object bodies at rest with per-object data keys
// minted by kryptograf. The wrapped DEK descriptor travels in object
// metadata so any backend can hold sealed objects.
package sealed

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/durable/internal/storage"
)

// DescriptorKey is the metadata key carrying the encoded DEK descriptor.
const DescriptorKey = storage.MetadataReservedPrefix + "dek"

const (
	contentTypeKey = storage.MetadataReservedPrefix + "content_type"
	chunkSize      = 8 * 1024
)

// ErrNotSealed is returned when an object lacks a descriptor.
var ErrNotSealed = errors.New("sealed: object has no descriptor")

type backend struct {
	inner storage.Backend
	kg    kryptograf.Kryptograf
}

// Wrap returns a backend that encrypts on write and decrypts on read.
func Wrap(inner storage.Backend, root keymgmt.RootKey) storage.Backend {
	return &backend{
		inner: inner,
		kg:    kryptograf.New(root).WithChunkSize(chunkSize),
	}
}

// LoadRootKey reads the root key from a PEM bundle path or PEM bytes.
func LoadRootKey(pathOrPEM string) (keymgmt.RootKey, error) {
	var store keymgmt.Store
	var err error
	if _, statErr := os.Stat(pathOrPEM); statErr == nil {
		store, err = keymgmt.LoadPEM(pathOrPEM)
	} else {
		store, err = keymgmt.LoadPEM([]byte(pathOrPEM))
	}
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("sealed: load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("sealed: read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("sealed: key bundle has no root key")
	}
	return root, nil
}

// GenerateBundle returns PEM bytes containing a fresh root key merged into
// existing (which may be empty).
func GenerateBundle(existing []byte) ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, fmt.Errorf("sealed: prepare key bundle: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return nil, fmt.Errorf("sealed: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("sealed: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return nil, fmt.Errorf("sealed: serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, nil
}

func objectContext(namespace, key string) []byte {
	return []byte("object:" + namespace + "/" + key)
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	mat, err := b.kg.MintDEK(objectContext(namespace, key))
	if err != nil {
		return nil, fmt.Errorf("sealed: mint key for %s/%s: %w", namespace, key, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sealed: marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	w, err := b.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("sealed: encrypt writer: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("sealed: encrypt %s/%s: %w", namespace, key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finish encrypt: %w", err)
	}
	meta := storage.CloneMetadata(opts.Metadata)
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	meta[DescriptorKey] = base64.StdEncoding.EncodeToString(desc)
	if opts.ContentType != "" {
		meta[contentTypeKey] = opts.ContentType
	}
	sealedOpts := opts
	sealedOpts.Metadata = meta
	sealedOpts.ContentType = storage.ContentTypeSealed
	info, err := b.inner.PutObject(ctx, namespace, key, &buf, sealedOpts)
	if err != nil {
		return nil, err
	}
	return unseal(info), nil
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err != nil {
		return res, err
	}
	encoded := res.Info.Metadata[DescriptorKey]
	if encoded == "" {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("%w: %s/%s", ErrNotSealed, namespace, key)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("sealed: decode descriptor: %w", err)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("sealed: unmarshal descriptor: %w", err)
	}
	mat, err := b.kg.ReconstructDEK(objectContext(namespace, key), desc)
	if err != nil {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("sealed: reconstruct key for %s/%s: %w", namespace, key, err)
	}
	defer mat.Zero()
	reader, err := b.kg.DecryptReader(res.Reader, mat)
	if err != nil {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("sealed: decrypt reader: %w", err)
	}
	plain, err := io.ReadAll(reader)
	reader.Close()
	res.Reader.Close()
	if err != nil {
		return storage.GetObjectResult{}, fmt.Errorf("sealed: decrypt %s/%s: %w", namespace, key, err)
	}
	info := unseal(res.Info)
	info.Size = int64(len(plain))
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(plain)), Info: info}, nil
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.inner.DeleteObject(ctx, namespace, key, opts)
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err != nil {
		return nil, err
	}
	for i := range res.Objects {
		res.Objects[i] = *unseal(&res.Objects[i])
	}
	return res, nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeQueueChanges(namespace, queue string) (storage.QueueChangeSubscription, error) {
	if feed, ok := b.inner.(storage.QueueChangeFeed); ok {
		return feed.SubscribeQueueChanges(namespace, queue)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) QueueWatchStatus() storage.QueueWatchStatus {
	if provider, ok := b.inner.(storage.QueueWatchStatusProvider); ok {
		return provider.QueueWatchStatus()
	}
	return storage.QueueWatchStatus{Mode: "polling", Reason: "backend_does_not_report"}
}

// unseal strips the wrapper's reserved metadata and restores the caller's
// content type.
func unseal(info *storage.ObjectInfo) *storage.ObjectInfo {
	if info == nil {
		return nil
	}
	out := *info
	out.Metadata = storage.CloneMetadata(info.Metadata)
	if ct, ok := out.Metadata[contentTypeKey]; ok {
		out.ContentType = ct
	} else if out.ContentType == storage.ContentTypeSealed {
		out.ContentType = ""
	}
	delete(out.Metadata, DescriptorKey)
	delete(out.Metadata, contentTypeKey)
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return &out
}
