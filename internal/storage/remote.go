package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"
)

// StatusFunc extracts the HTTP status carried by an SDK error, or 0.
type StatusFunc func(error) int

// RemoteError annotates err from an object-store call as "<backend> <op>"
// and marks it transient when Retryable says so.
func RemoteError(backend, op string, err error, status StatusFunc) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s %s: %w", backend, op, err)
	if Retryable(err, status) {
		return NewTransientError(wrapped)
	}
	return wrapped
}

// Retryable reports whether a failed remote call may succeed when repeated:
// deadlines, timeouts, broken connections and 408/429/5xx responses.
func Retryable(err error, status StatusFunc) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	if status == nil {
		return false
	}
	return RetryableStatus(status(err))
}

// RetryableStatus reports whether an HTTP status signals a passing fault.
func RetryableStatus(code int) bool {
	switch {
	case code >= http.StatusInternalServerError:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	}
	return false
}

var connectionErrors = []error{
	net.ErrClosed,
	io.EOF,
	io.ErrUnexpectedEOF,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsConnectionError reports whether err comes from a connection that was
// refused, reset or cut short.
func IsConnectionError(err error) bool {
	for _, target := range connectionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PooledTransport clones http.DefaultTransport with idle pools sized for
// many small concurrent object requests.
func PooledTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	t := base.Clone()
	if t.MaxIdleConns == 0 {
		t.MaxIdleConns = 256
	}
	if t.MaxIdleConnsPerHost == 0 {
		t.MaxIdleConnsPerHost = 64
	}
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
	return t
}

// ReaderLength returns the bytes left in body when it can seek, else -1.
// The read position is restored.
func ReaderLength(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}

// PrefixedKey names the object holding namespace/key under prefix. An empty
// key names the namespace root.
func PrefixedKey(prefix, namespace, key string) string {
	name := strings.TrimSuffix(path.Join(namespace, key), "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// TrimETag drops the quotes object stores put around entity tags.
func TrimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
