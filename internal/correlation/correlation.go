// Package correlation propagates caller supplied correlation identifiers.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/durable/internal/ids"
)

// Header is the HTTP header carrying the correlation id.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Normalize trims id and reports whether it is printable ASCII within
// MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}

// With stores id on ctx. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id carried by ctx.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest reuses the inbound header when valid and mints a new id
// otherwise.
func FromRequest(r *http.Request) string {
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return id
	}
	return ids.RequestID()
}
