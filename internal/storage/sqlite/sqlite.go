// Package sqlite implements storage.Backend on an embedded SQLite database.
// Every namespace shares one table keyed by (namespace, key); conditional
// writes compare entity tags inside a transaction.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Config tunes the SQLite backend.
type Config struct {
	// Path is the database file, or ":memory:" for a private database.
	Path string
	Now  func() time.Time
}

// Store implements storage.Backend on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at cfg.Path and applies the schema.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: cfg.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlite: execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("sqlite: database schema %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetObject loads the row for namespace/key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return storage.GetObjectResult{}, err
	}
	var (
		body []byte
		meta string
		info = storage.ObjectInfo{Key: key}
		ms   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, content_type, metadata, body, updated_at_ms FROM objects WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&info.ETag, &info.ContentType, &meta, &body, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "sqlite: get object")
	}
	if info.Metadata, err = decodeMetadata(meta); err != nil {
		return storage.GetObjectResult{}, err
	}
	info.Size = int64(len(body))
	info.LastModified = time.UnixMilli(ms).UTC()
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(body)), Info: &info}, nil
}

// PutObject writes the row inside a transaction that checks the preconditions.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read body: %w", err)
	}
	meta, err := encodeMetadata(opts.Metadata)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError(err, "sqlite: begin")
	}
	defer tx.Rollback()

	current, err := currentETag(ctx, tx, namespace, key)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.IfNotExists && current != "":
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "" && current == "":
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && current != opts.ExpectedETag:
		loggingutil.FromContext(ctx, nil).Debug("sqlite.put_object.cas_mismatch", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current)
		return nil, storage.ErrCASMismatch
	}
	now := s.now()
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         ids.ETag(),
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
		Metadata:     storage.CloneMetadata(opts.Metadata),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO objects (namespace, key, etag, content_type, metadata, body, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   etag = excluded.etag,
		   content_type = excluded.content_type,
		   metadata = excluded.metadata,
		   body = excluded.body,
		   updated_at_ms = excluded.updated_at_ms`,
		namespace, key, info.ETag, info.ContentType, meta, payload, now.UnixMilli(),
	); err != nil {
		return nil, wrapError(err, "sqlite: put object")
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError(err, "sqlite: commit")
	}
	return info, nil
}

// DeleteObject removes the row, honouring ExpectedETag.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := storage.ValidateObjectKey(namespace, key); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(err, "sqlite: begin")
	}
	defer tx.Rollback()
	current, err := currentETag(ctx, tx, namespace, key)
	if err != nil {
		return err
	}
	if current == "" {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return wrapError(err, "sqlite: delete object")
	}
	return wrapError(tx.Commit(), "sqlite: commit")
}

// ListObjects returns keys under opts.Prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	query := `SELECT key, etag, content_type, metadata, length(body), updated_at_ms FROM objects
		WHERE namespace = ? AND substr(key, 1, ?) = ? AND key > ? ORDER BY key`
	args := []any{namespace, len(opts.Prefix), opts.Prefix, opts.StartAfter}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit+1)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "sqlite: list objects")
	}
	defer rows.Close()
	result := &storage.ListResult{}
	for rows.Next() {
		var (
			info storage.ObjectInfo
			meta string
			ms   int64
		)
		if err := rows.Scan(&info.Key, &info.ETag, &info.ContentType, &meta, &info.Size, &ms); err != nil {
			return nil, wrapError(err, "sqlite: scan object")
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		if info.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		info.LastModified = time.UnixMilli(ms).UTC()
		result.Objects = append(result.Objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "sqlite: list objects")
	}
	return result, nil
}

func currentETag(ctx context.Context, tx *sql.Tx, namespace, key string) (string, error) {
	var etag string
	err := tx.QueryRowContext(ctx, `SELECT etag FROM objects WHERE namespace = ? AND key = ?`, namespace, key).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapError(err, "sqlite: read etag")
	}
	return etag, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// wrapError marks lock contention as transient so the retry wrapper can
// back off.
func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "database is locked") || strings.Contains(lower, "busy") {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
