// Package disk implements storage.Backend on a local filesystem. Objects are
// plain files; each one has a JSON sidecar holding its entity tag and
// metadata.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root       string
	QueueWatch bool
	Now        func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	infoDir   string
	tmpDir    string
	lockDir   string
	now       func() time.Time

	locks sync.Map

	watchStatus storage.QueueWatchStatus
}

type infoRecord struct {
	ETag          string            `json:"etag"`
	ContentType   string            `json:"content_type,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UpdatedAtUnix int64             `json:"updated_at_unix"`
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		infoDir:   filepath.Join(root, "info"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.infoDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchStatus = storage.QueueWatchStatus{Mode: "polling", Reason: "config_disabled"}
	if cfg.QueueWatch {
		if queueWatchSupported(root) {
			s.watchStatus = storage.QueueWatchStatus{Enabled: true, Mode: "fsnotify", Reason: "filesystem_watch_enabled"}
		} else {
			s.watchStatus.Reason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// QueueWatchStatus implements storage.QueueWatchStatusProvider.
func (s *Store) QueueWatchStatus() storage.QueueWatchStatus { return s.watchStatus }

// encodeKey maps namespace/key to a relative path with every segment
// escaped so keys cannot leave the root.
func encodeKey(namespace, key string) (string, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return "", err
	}
	segs := strings.Split(key, "/")
	out := make([]string, 0, len(segs)+1)
	out = append(out, url.PathEscape(namespace))
	for _, seg := range segs {
		out = append(out, url.PathEscape(seg))
	}
	return filepath.Join(out...), nil
}

func decodeKey(rel string) (string, error) {
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segs {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("disk: decode key segment %q: %w", seg, err)
		}
		segs[i] = decoded
	}
	return strings.Join(segs, "/"), nil
}

type keyLock struct {
	mu   *sync.Mutex
	file *os.File
}

func (l keyLock) release() {
	if l.file != nil {
		_ = unlockFile(l.file)
		_ = l.file.Close()
	}
	l.mu.Unlock()
}

func (s *Store) lock(rel string) (keyLock, error) {
	v, _ := s.locks.LoadOrStore(rel, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	sum := sha256.Sum256([]byte(rel))
	f, err := os.OpenFile(filepath.Join(s.lockDir, hex.EncodeToString(sum[:])+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return keyLock{}, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return keyLock{}, fmt.Errorf("disk: lock key: %w", err)
	}
	return keyLock{mu: mu, file: f}, nil
}

func (s *Store) loadInfo(rel, key string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(filepath.Join(s.objectDir, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(filepath.Join(s.infoDir, rel+infoSuffix))
	if err != nil {
		return nil, fmt.Errorf("disk: read object info for %q: %w", key, err)
	}
	var rec infoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object info for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: time.Unix(rec.UpdatedAtUnix, 0).UTC(),
		ContentType:  rec.ContentType,
		Metadata:     rec.Metadata,
	}, nil
}

// GetObject opens the object under its key lock so the body and entity tag
// belong to the same write.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
	rel, err := encodeKey(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	l, err := s.lock(rel)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	defer l.release()
	info, err := s.loadInfo(rel, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(filepath.Join(s.objectDir, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes via a temp file and rename, then replaces the sidecar.
// Entity tags are random so rewriting identical bytes still moves the tag.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
	rel, err := encodeKey(namespace, key)
	if err != nil {
		return nil, err
	}
	l, err := s.lock(rel)
	if err != nil {
		return nil, err
	}
	defer l.release()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadInfo(rel, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.IfNotExists && current != nil:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		}
	}

	written, err := s.writeAtomic(filepath.Join(s.objectDir, rel), func(w io.Writer) (int64, error) {
		return io.Copy(w, body)
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	rec := infoRecord{
		ETag:          ids.ETag(),
		ContentType:   opts.ContentType,
		Metadata:      storage.CloneMetadata(opts.Metadata),
		UpdatedAtUnix: now.Unix(),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object info for %q: %w", key, err)
	}
	if _, err := s.writeAtomic(filepath.Join(s.infoDir, rel+infoSuffix), func(w io.Writer) (int64, error) {
		n, err := w.Write(encoded)
		return int64(n), err
	}); err != nil {
		return nil, fmt.Errorf("disk: write object info for %q: %w", key, err)
	}
	logger.Trace("disk.put_object.success", "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  rec.ContentType,
		Metadata:     storage.CloneMetadata(rec.Metadata),
	}, nil
}

// DeleteObject removes the object and its sidecar.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	rel, err := encodeKey(namespace, key)
	if err != nil {
		return err
	}
	l, err := s.lock(rel)
	if err != nil {
		return err
	}
	defer l.release()
	info, err := s.loadInfo(rel, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(filepath.Join(s.objectDir, rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(filepath.Join(s.infoDir, rel+infoSuffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object info %q: %w", key, err)
	}
	loggingutil.FromContext(ctx, nil).Trace("disk.delete_object.success", "namespace", namespace, "key", key)
	return nil
}

// ListObjects walks the namespace directory and returns keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateObjectKey(namespace, "x"); err != nil {
		return nil, err
	}
	base := filepath.Join(s.objectDir, url.PathEscape(namespace))
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key, err := decodeKey(rel)
		if err != nil {
			return err
		}
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		rel, _ := encodeKey(namespace, key)
		info, err := s.loadInfo(rel, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			loggingutil.FromContext(ctx, nil).Debug("disk.list_objects.info_error", "key", key, "error", err)
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}

func (s *Store) writeAtomic(dest string, write func(io.Writer) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "durable-*")
	if err != nil {
		return 0, err
	}
	n, err := write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}
