// Package store defines the persistence contracts for annotated documents.
//
// Two stores back the pipeline. The history store holds one annotated
// document per (source, entity) pair, keyed by history key. The current
// store holds one merged document per entity, keyed by current key. Both
// speak in Records: an opaque id, an optimistic version, and the document.
//
// Writes are whole-document replacements. A Store call with an empty id
// inserts; a call with an id and version replaces, failing with
// ErrStoreConflict when the version no longer matches.
package store

import (
	"context"

	"github.com/inkhouse/collate/document"
)

// Record is one stored document with its store-assigned identity.
type Record struct {
	// ID is the store's opaque record identifier.
	ID string
	// Version increments on every replacement and guards optimistic writes.
	Version int64
	// Doc is the annotated document.
	Doc document.Document
}

// HistoryStore persists the annotated per-source documents.
type HistoryStore interface {
	// LookupByHistoryKey returns every record whose history key equals key.
	// Expected size is 0 or 1; more indicates a repair case.
	LookupByHistoryKey(ctx context.Context, key string) ([]Record, error)

	// FetchByEntity returns all per-source records contributing to the
	// entity identified by schema and classification.
	FetchByEntity(ctx context.Context, schema string, classification any) ([]Record, error)

	// Store inserts rec when its ID is empty, otherwise replaces the record
	// with that ID at the given version. It returns the stored record with
	// its assigned identity.
	Store(ctx context.Context, rec Record) (Record, error)

	// DeleteMany removes records by id. Missing ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error

	// GetHistoryByEntityID returns the per-source records for an entity id,
	// for the revisions view.
	GetHistoryByEntityID(ctx context.Context, entityID, schema string) ([]Record, error)

	// Scan visits every record in chunks of chunkSize, stopping at the first
	// error returned by fn.
	Scan(ctx context.Context, chunkSize int, fn func([]Record) error) error
}

// CurrentStore persists the merged entity documents.
type CurrentStore interface {
	// LookupByCurrentKey returns every record whose current key equals key.
	// Expected size is 0 or 1; more indicates a repair case.
	LookupByCurrentKey(ctx context.Context, key string) ([]Record, error)

	// GetByID returns the record for an entity id, ErrNotFound when absent.
	GetByID(ctx context.Context, entityID, schema string) (Record, error)

	// Store inserts rec when its ID is empty, otherwise replaces the record
	// with that ID at the given version.
	Store(ctx context.Context, rec Record) (Record, error)

	// DeleteMany removes records by id. Missing ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error

	// Scan visits every record in chunks of chunkSize, stopping at the first
	// error returned by fn.
	Scan(ctx context.Context, chunkSize int, fn func([]Record) error) error
}
