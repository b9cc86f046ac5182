// Package storagecheck exercises a storage backend with the operations the
// server depends on and reports each step separately.
package storagecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/durable/internal/ids"
	"pkt.systems/durable/internal/storage"
)

// Namespace holds the synthetic objects written during verification.
const Namespace = "durable-diagnostics"

const defaultTimeout = 15 * time.Second

// Target describes the backend under test for reporting.
type Target struct {
	Provider    string
	Bucket      string
	Prefix      string
	Path        string
	Endpoint    string
	Insecure    bool
	Credentials string
}

// Result captures the outcome of store verification checks.
type Result struct {
	Target
	Checks            []CheckResult
	RecommendedPolicy string
	AdditionalMessage string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// Options tune Run.
type Options struct {
	// Raw is the backend beneath any encryption layer. When set, Run also
	// checks that stored bytes do not contain the plaintext.
	Raw storage.Backend
	// Timeout bounds the whole run; zero uses 15s.
	Timeout time.Duration
}

// Run executes the verification routine against backend.
func Run(ctx context.Context, target Target, backend storage.Backend, opts Options) Result {
	result := Result{Target: target}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}

	key := "verify/" + ids.RequestID() + ".json"
	payload := []byte(fmt.Sprintf(`{"diagnostic":true,"key":%q}`, key))
	var etag string

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, Namespace, storage.ListOptions{Prefix: "verify/", Limit: 1})
		return err
	})
	run("PutObject", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: "application/json",
		})
		if err != nil {
			return err
		}
		if info == nil || info.ETag == "" {
			return errors.New("put returned no etag")
		}
		etag = info.ETag
		return nil
	})
	run("GetObject", func(ctx context.Context) error {
		data, _, err := storage.ReadObject(ctx, backend, Namespace, key)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			return fmt.Errorf("read back %d bytes that differ from the %d written", len(data), len(payload))
		}
		return nil
	})
	run("CreateConflict", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true})
		return expectCASMismatch("create of existing object", err)
	})
	run("StaleWriteRejected", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{ExpectedETag: "stale-" + etag})
		return expectCASMismatch("write with stale etag", err)
	})
	run("ConditionalWrite", func(ctx context.Context) error {
		if etag == "" {
			return errors.New("no etag from PutObject")
		}
		info, err := backend.PutObject(ctx, Namespace, key, bytes.NewReader(payload), storage.PutObjectOptions{ExpectedETag: etag})
		if err != nil {
			return err
		}
		if info != nil && info.ETag != "" {
			etag = info.ETag
		}
		return nil
	})
	if opts.Raw != nil {
		run("SealedAtRest", func(ctx context.Context) error {
			raw, _, err := storage.ReadObject(ctx, opts.Raw, Namespace, key)
			if err != nil {
				return err
			}
			if bytes.Contains(raw, []byte(key)) {
				return errors.New("stored bytes contain the plaintext")
			}
			return nil
		})
	}
	run("StaleDeleteRejected", func(ctx context.Context) error {
		err := backend.DeleteObject(ctx, Namespace, key, storage.DeleteObjectOptions{ExpectedETag: "stale-" + etag})
		return expectCASMismatch("delete with stale etag", err)
	})
	run("DeleteObject", func(ctx context.Context) error {
		return backend.DeleteObject(ctx, Namespace, key, storage.DeleteObjectOptions{ExpectedETag: etag})
	})
	run("DeletedIsNotFound", func(ctx context.Context) error {
		res, err := backend.GetObject(ctx, Namespace, key)
		if err == nil {
			_ = res.Reader.Close()
			return errors.New("object still readable after delete")
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if !result.Passed() {
		// Leave nothing behind when a middle step failed.
		_ = backend.DeleteObject(context.WithoutCancel(ctx), Namespace, key, storage.DeleteObjectOptions{IgnoreNotFound: true})
	}
	return result
}

func expectCASMismatch(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%s succeeded", what)
	}
	if !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("%s: expected cas mismatch, got %w", what, err)
	}
	return nil
}

// BuildAWSPolicy renders the minimal IAM policy the server needs on bucket.
func BuildAWSPolicy(bucket, prefix string) string {
	bucketARN := fmt.Sprintf("arn:aws:s3:::%s", bucket)
	objects := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objects = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, trim)
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				"Resource": []string{bucketARN},
			},
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject", "s3:AbortMultipartUpload"},
				"Resource": []string{objects},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}

// Write renders result as a human-readable report.
func Write(w io.Writer, result Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "provider: %s\n", result.Provider)
	for _, field := range []struct{ name, value string }{
		{"endpoint", result.Endpoint},
		{"bucket", result.Bucket},
		{"prefix", result.Prefix},
		{"path", result.Path},
		{"credentials", result.Credentials},
	} {
		if field.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", field.name, field.value)
		}
	}
	if result.Insecure {
		b.WriteString("insecure: true\n")
	}
	for _, check := range result.Checks {
		if check.Err != nil {
			fmt.Fprintf(&b, "  FAIL %s: %v\n", check.Name, check.Err)
			continue
		}
		fmt.Fprintf(&b, "  ok   %s\n", check.Name)
	}
	if result.AdditionalMessage != "" {
		fmt.Fprintf(&b, "%s\n", result.AdditionalMessage)
	}
	if result.RecommendedPolicy != "" {
		fmt.Fprintf(&b, "recommended policy:\n%s\n", result.RecommendedPolicy)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
