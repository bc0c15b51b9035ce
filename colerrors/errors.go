// Package colerrors provides structured error types for collate.
//
// These error types enable programmatic error handling via errors.Is() and
// errors.As(), and carry the permanent/temporary distinction that drives
// message disposition: permanent failures are routed to the dead-letter
// exchange, temporary failures are retried with backoff.
//
// # Error Categories
//
//   - DocumentError: malformed payloads and structural failures of the
//     annotation, key-extraction, and merge stages
//   - StoreError: persistence failures, including optimistic-concurrency
//     conflicts on replace
//   - IndexError: search backend failures (logged, never fatal to ingest)
//
// # Usage with errors.Is
//
//	_, err := pipeline.Ingest(ctx, payload)
//	if errors.Is(err, colerrors.ErrMissingSource) {
//	    // payload arrived without a source stamp
//	}
//	if colerrors.IsPermanent(err) {
//	    // dead-letter, do not retry
//	}
package colerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
// These allow quick checks without type assertions.
var (
	// ErrMalformedPayload indicates the message body was not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMissingSource indicates a raw document without a top-level source.
	ErrMissingSource = errors.New("missing source")

	// ErrMissingSchema indicates a document without a $schema string.
	ErrMissingSchema = errors.New("missing schema")

	// ErrMissingClassification indicates a document without a classification.
	ErrMissingClassification = errors.New("missing classification")

	// ErrMissingSourceFields indicates the source stamp could not supply the
	// fields required for history-key derivation.
	ErrMissingSourceFields = errors.New("missing source fields")

	// ErrBadClassification indicates a classified-array element without a
	// classification field.
	ErrBadClassification = errors.New("bad classification")

	// ErrIncoherent indicates a merge attempted across documents with
	// mismatched schema or classification. Seeing it in production is a bug
	// indicator: the caller is responsible for grouping inputs by entity.
	ErrIncoherent = errors.New("incoherent merge inputs")

	// ErrEmptyMerge indicates a merge reduction over an empty document set.
	ErrEmptyMerge = errors.New("merge over empty set")

	// ErrEmptyHistory indicates no per-source documents were found for an
	// entity immediately after one was stored.
	ErrEmptyHistory = errors.New("empty history")

	// ErrNotFound indicates a store lookup matched no record.
	ErrNotFound = errors.New("not found")

	// ErrStoreConflict indicates an optimistic version mismatch on replace.
	// Callers retry after a fresh lookup.
	ErrStoreConflict = errors.New("store version conflict")

	// ErrStoreUnavailable indicates a store I/O failure (timeout, connection).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIndexUnavailable indicates a search backend failure.
	ErrIndexUnavailable = errors.New("index unavailable")
)

// DocumentError represents a structural failure while annotating, merging,
// or extracting keys from a document. Document errors are always permanent:
// retrying the same payload cannot succeed.
type DocumentError struct {
	// Kind is the sentinel identifying the failure class
	// (ErrMissingSource, ErrBadClassification, ...).
	Kind error
	// Path is the JSON path to the offending node, when known.
	Path string
	// Message provides additional context about the failure.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a human-readable error message.
func (e *DocumentError) Error() string {
	msg := "document error"
	if e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *DocumentError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's kind.
func (e *DocumentError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// StoreError represents a persistence failure. Conflicts and connection
// failures are temporary: the caller retries, after a fresh lookup in the
// conflict case.
type StoreError struct {
	// Op is the store operation that failed ("store", "lookup", "delete", ...).
	Op string
	// Key is the history or current key involved, when known.
	Key string
	// Conflict is true when the failure was an optimistic version mismatch.
	Conflict bool
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a human-readable error message.
func (e *StoreError) Error() string {
	msg := "store error"
	if e.Conflict {
		msg = "store version conflict"
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error type.
// Matches ErrStoreConflict when the Conflict flag is set, and
// ErrStoreUnavailable otherwise.
func (e *StoreError) Is(target error) bool {
	if e.Conflict {
		return target == ErrStoreConflict
	}
	return target == ErrStoreUnavailable
}

// IndexError represents a search backend failure. Index errors never fail
// an ingest; they are logged by the caller.
type IndexError struct {
	// Op is the index operation that failed ("put", "search", "reindex").
	Op string
	// ID is the document id involved, when known.
	ID string
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a human-readable error message.
func (e *IndexError) Error() string {
	msg := "index error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" (id %q)", e.ID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chaining.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error type.
func (e *IndexError) Is(target error) bool {
	return target == ErrIndexUnavailable
}

// permanentSentinels are the failure classes that cannot succeed on retry.
var permanentSentinels = []error{
	ErrMalformedPayload,
	ErrMissingSource,
	ErrMissingSchema,
	ErrMissingClassification,
	ErrMissingSourceFields,
	ErrBadClassification,
	ErrIncoherent,
	ErrEmptyMerge,
	ErrEmptyHistory,
}

// IsPermanent reports whether err is a permanent ingest failure: one that
// must be dead-lettered rather than retried. Store and index failures are
// never permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range permanentSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsTemporary reports whether err is worth retrying: a store conflict or an
// I/O failure against the store or index.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreConflict) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrIndexUnavailable)
}
