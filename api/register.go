package api

import "encoding/json"

// Entry is one versioned value held by a register.
type Entry struct {
	// Key identifies the entry within its partition.
	Key string `json:"key"`
	// Version is the committed version, starting at 1.
	Version int64 `json:"version"`
	// Value is the stored JSON document.
	Value json.RawMessage `json:"value"`
}

// EmptyEntry marks a key that has never been committed.
type EmptyEntry struct {
	// Key identifies the missing entry.
	Key string `json:"key"`
}

// ReadResult is returned by begin. Exactly one field is set.
type ReadResult struct {
	// Empty is set when no entry exists for the key.
	Empty *EmptyEntry `json:"empty,omitempty"`
	// Existing carries the current entry.
	Existing *Entry `json:"existing,omitempty"`
}

// EmptyResult builds the Empty variant for key.
func EmptyResult(key string) ReadResult {
	return ReadResult{Empty: &EmptyEntry{Key: key}}
}

// ExistingResult builds the Existing variant.
func ExistingResult(entry Entry) ReadResult {
	return ReadResult{Existing: &entry}
}

// Version returns the current version, 0 for Empty.
func (r ReadResult) Version() int64 {
	if r.Existing == nil {
		return 0
	}
	return r.Existing.Version
}

// Proposal echoes a rejected commit. Version is nil when the caller's
// expected version could not be read as an integer.
type Proposal struct {
	// Key identifies the entry the caller tried to commit.
	Key string `json:"key"`
	// Version is the expected version the caller supplied.
	Version *int64 `json:"version"`
	// Value is the value the caller tried to store.
	Value json.RawMessage `json:"value"`
}

// CommitOutcome is returned by commit. Exactly one field is set.
type CommitOutcome struct {
	// Committed carries the entry as stored, with its new version.
	Committed *Entry `json:"committed,omitempty"`
	// VersionConflict echoes the rejected proposal; stored state is unchanged.
	VersionConflict *Proposal `json:"versionConflict,omitempty"`
}

// IsCommitted reports whether the write was accepted.
func (o CommitOutcome) IsCommitted() bool { return o.Committed != nil }

// CommitRequest is the body of a commit call. Version is left untyped so
// the register can apply its own coercion rules.
type CommitRequest struct {
	// Version is the version the caller observed at begin time.
	Version any `json:"version"`
	// Value is the new JSON document.
	Value json.RawMessage `json:"value"`
}
