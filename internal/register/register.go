// Package register implements the versioned register: one JSON value per
// key that only moves forward through optimistic commits.
package register

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

// NamespacePrefix prefixes the storage namespace of every register binding.
const NamespacePrefix = "register."

// Namespace returns the storage namespace used for binding.
func Namespace(binding string) string {
	return NamespacePrefix + binding
}

// Register reads and commits entries in one storage namespace. It holds
// no per-key state; serialization is the caller's concern.
type Register struct {
	backend   storage.Backend
	namespace string
	logger    pslog.Logger
}

// New binds a register to namespace on backend.
func New(backend storage.Backend, namespace string, logger pslog.Logger) *Register {
	return &Register{
		backend:   backend,
		namespace: namespace,
		logger:    loggingutil.WithSubsystem(logger, "register"),
	}
}

// StorageNamespace reports the backend namespace this register writes to.
func (r *Register) StorageNamespace() string { return r.namespace }

type document struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

type snapshot struct {
	doc   document
	etag  string
	found bool
}

// Get returns the current value of key. found is false when nothing has
// been committed.
func (r *Register) Get(ctx context.Context, partition, key string) (json.RawMessage, bool, error) {
	snap, err := r.load(ctx, partition, key)
	if err != nil {
		return nil, false, err
	}
	if !snap.found {
		return nil, false, nil
	}
	return snap.doc.Value, true, nil
}

// Begin returns a snapshot of key suitable for a later Commit.
func (r *Register) Begin(ctx context.Context, partition, key string) (api.ReadResult, error) {
	snap, err := r.load(ctx, partition, key)
	if err != nil {
		return api.ReadResult{}, err
	}
	if !snap.found {
		return api.EmptyResult(key), nil
	}
	return api.ExistingResult(api.Entry{Key: key, Version: snap.doc.Version, Value: snap.doc.Value}), nil
}

// Commit stores value as version expected+1 when expected matches the
// stored version (0 when absent). Any mismatch, including a concurrent
// writer winning the storage CAS, yields a VersionConflict outcome and
// leaves the stored entry untouched.
func (r *Register) Commit(ctx context.Context, partition, key string, expected any, value json.RawMessage) (api.CommitOutcome, error) {
	value, err := normalizeValue(value)
	if err != nil {
		return api.CommitOutcome{}, err
	}
	objectKey, err := ObjectKey(partition, key)
	if err != nil {
		return api.CommitOutcome{}, err
	}
	logger := loggingutil.FromContext(ctx, r.logger).With("namespace", r.namespace, "partition", partition, "key", key)

	version, ok := CoerceVersion(expected)
	conflict := func(reason string) api.CommitOutcome {
		proposal := api.Proposal{Key: key, Value: value}
		if ok {
			v := version
			proposal.Version = &v
		}
		logger.Debug("register.commit.conflict", "reason", reason, "expected", expected)
		return api.CommitOutcome{VersionConflict: &proposal}
	}
	if !ok {
		return conflict("uncoercible_version"), nil
	}

	snap, err := r.loadObject(ctx, objectKey, key)
	if err != nil {
		return api.CommitOutcome{}, err
	}
	var current int64
	if snap.found {
		current = snap.doc.Version
	}
	if version != current {
		return conflict("stale_version"), nil
	}

	next := document{Version: current + 1, Value: value}
	payload, err := json.Marshal(next)
	if err != nil {
		return api.CommitOutcome{}, &StorageError{Op: "encode", Key: key, Err: err}
	}
	opts := storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if snap.found {
		opts.ExpectedETag = snap.etag
	} else {
		opts.IfNotExists = true
	}
	if _, err := r.backend.PutObject(ctx, r.namespace, objectKey, bytes.NewReader(payload), opts); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || (snap.found && errors.Is(err, storage.ErrNotFound)) {
			return conflict("concurrent_commit"), nil
		}
		logger.Warn("register.commit.storage_error", "error", err)
		return api.CommitOutcome{}, &StorageError{Op: "put", Key: key, Err: err}
	}
	logger.Debug("register.commit.ok", "version", next.Version)
	return api.CommitOutcome{Committed: &api.Entry{Key: key, Version: next.Version, Value: value}}, nil
}

func (r *Register) load(ctx context.Context, partition, key string) (snapshot, error) {
	objectKey, err := ObjectKey(partition, key)
	if err != nil {
		return snapshot{}, err
	}
	return r.loadObject(ctx, objectKey, key)
}

func (r *Register) loadObject(ctx context.Context, objectKey, key string) (snapshot, error) {
	data, info, err := storage.ReadObject(ctx, r.backend, r.namespace, objectKey)
	if errors.Is(err, storage.ErrNotFound) {
		return snapshot{}, nil
	}
	if err != nil {
		return snapshot{}, &StorageError{Op: "get", Key: key, Err: err}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return snapshot{}, &StorageError{Op: "decode", Key: key, Err: err}
	}
	if len(doc.Value) == 0 {
		doc.Value = json.RawMessage("null")
	}
	return snapshot{doc: doc, etag: info.ETag, found: true}, nil
}

// ObjectKey maps (partition, key) to the storage object key. Both parts
// are path-escaped so keys containing slashes stay in their partition.
func ObjectKey(partition, key string) (string, error) {
	if strings.TrimSpace(partition) == "" || strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	return escapeSegment(partition) + "/" + escapeSegment(key) + ".json", nil
}

// escapeSegment also escapes dots so "." and ".." cannot form path
// traversal segments.
func escapeSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

func normalizeValue(value json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(value)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(value) {
		return nil, ErrInvalidValue
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, ErrInvalidValue
	}
	return json.RawMessage(buf.Bytes()), nil
}
