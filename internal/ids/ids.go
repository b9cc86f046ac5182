// Package ids mints identifiers for requests, messages and leases.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// RequestID returns a time-ordered UUIDv7 string.
func RequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ETag returns an opaque entity tag for backends that have no native one.
func ETag() string {
	return uuid.Must(uuid.NewV7()).String()
}

// MessageID returns a sortable xid. Lexical order follows creation order.
func MessageID() string {
	return xid.New().String()
}

// LeaseID returns a fresh lease identifier.
func LeaseID() string {
	return xid.New().String()
}
