package register

import (
	"errors"
	"fmt"
	"strconv"

	"pkt.systems/durable/api"
)

var (
	// ErrVersionConflict matches every ConflictError.
	ErrVersionConflict = errors.New("register: version conflict")
	// ErrStorage matches every StorageError.
	ErrStorage = errors.New("register: storage failure")
	// ErrInvalidKey rejects empty partitions and keys.
	ErrInvalidKey = errors.New("register: partition and key required")
	// ErrInvalidValue rejects values that are not JSON documents.
	ErrInvalidValue = errors.New("register: value must be valid JSON")
)

// ConflictError is the error form of a VersionConflict outcome.
type ConflictError struct {
	Proposal api.Proposal
}

func (e *ConflictError) Error() string {
	if e.Proposal.Version == nil {
		return fmt.Sprintf("register: version conflict on %q (uncoercible version)", e.Proposal.Key)
	}
	return fmt.Sprintf("register: version conflict on %q at version %d", e.Proposal.Key, *e.Proposal.Version)
}

// Is lets errors.Is(err, ErrVersionConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// StorageError wraps a backend failure. It is never a conflict.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return "register: " + e.Op + " " + strconv.Quote(e.Key) + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// OutcomeError converts outcome to error flow: nil when committed, a
// *ConflictError otherwise.
func OutcomeError(outcome api.CommitOutcome) error {
	if outcome.VersionConflict == nil {
		return nil
	}
	return &ConflictError{Proposal: *outcome.VersionConflict}
}
