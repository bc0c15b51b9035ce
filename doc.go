// Package collate provides a provenance-preserving reconciliation engine for
// book and contributor metadata.
//
// collate accepts documents describing the same real-world entity from many
// independent sources, remembers exactly what each source said, and merges
// the per-source copies into a single current document in which every field
// can be traced back to the source that supplied it. Resending a document
// from a source replaces that source's earlier statement rather than piling
// up alongside it, and merges are deterministic: the same set of source
// documents produces the same current document regardless of arrival order.
//
// # Overview
//
// The library consists of the following packages:
//
//   - document: the JSON document model, canonical serialization, value
//     wrappers, and display projection
//   - annotator: stamps every document field with the hash of its source
//     and mints deterministic contributor identifiers
//   - identity: derives the entity, history, and current keys that address
//     a document in the stores
//   - merger: deterministic field-by-field merge of per-source documents
//   - store: storage contracts plus the SQLite implementation
//   - revisions: chronological field-level change history for an entity
//   - colerrors: the error taxonomy separating permanent from temporary
//     failures
//   - ingestor: the ingest pipeline from raw payload to stored merge
//   - listener: the bus consumer that feeds the pipeline
//   - indexer: the bridge that mirrors stored documents into a search index
//   - api: the HTTP surface for lookups, history, search, and reindexing
//   - config: file and environment configuration
//
// # Installation
//
// Install the library using go get:
//
//	go get github.com/inkhouse/collate
//
// # Quick Start
//
// Ingest a document and read back the merged result:
//
//	import (
//		"github.com/inkhouse/collate/ingestor"
//		"github.com/inkhouse/collate/store/sqlite"
//	)
//
//	db, err := sqlite.Open("collate.db", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	pipe := ingestor.New(db.History(), db.Current(), nil)
//	result, err := pipe.Ingest(ctx, payload)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("entity %s now at version %d\n", result.EntityID, result.Current.Version)
//
// # Document Model
//
// Documents are JSON objects carrying a $schema, a source stamp, and a
// classification:
//
//	{
//	  "$schema": "book.v2",
//	  "source": {"system": "warehouse", "id": "batch-17"},
//	  "classification": {"realm": "isbn", "id": "9780000000001"},
//	  "title": "An Example"
//	}
//
// During ingest every leaf value is wrapped with the identity of the source
// that supplied it, where the identity is the SHA-1 of the source stamp's
// canonical serialization:
//
//	"title": {"value": "An Example", "source": "0a51b5..."}
//
// The stored form keeps these wrappers so provenance survives merging; the
// display form produced by document.Display strips them again for readers
// that only want the data.
//
// # Ingest Pipeline
//
// The ingestor package drives one document through annotation, history
// replacement, and merge:
//
//  1. Parse and validate the payload.
//  2. Mint deterministic identifiers for contributors that arrive without
//     one.
//  3. Annotate every field with the source identity.
//  4. Replace the source's previous document for the entity in the history
//     store, repairing duplicates if any are found.
//  5. Merge all per-source documents for the entity into the current
//     document, later statements winning field by field.
//  6. Replace the entity's current document and notify downstream
//     consumers (search index, distributor exchange).
//
// The merge is commutative and associative over the set of per-source
// documents, so replaying history in any order converges on the same
// current document.
//
// # HTTP API
//
// The api package serves the stored results:
//
//	GET /books/{uuid}                    current merged book
//	GET /books/{uuid}/history            field-level change history
//	PUT /books/{uuid}/reindex            push one book into the search index
//	GET /contributors/{uuid}             current merged contributor
//	GET /contributors/{uuid}/history     field-level change history
//	PUT /contributors/{uuid}/reindex     push one contributor into the index
//	GET /search?q=...                    query the search index
//	PUT /search/reindex/current          rebuild the index from merged documents
//	PUT /search/reindex/history          rebuild the index from per-source documents
//
// Identifier path segments must be UUIDs; anything else is rejected before
// the store is consulted. Rebuilds run in the background and the endpoint
// answers 202 immediately; concurrent rebuild requests for the same target
// join the run already in flight.
//
// # Error Handling
//
// The colerrors package splits failures into two kinds:
//
//   - Permanent: the payload can never succeed (malformed JSON, missing
//     source or classification). The listener publishes these to the error
//     exchange and acknowledges the message.
//   - Temporary: the failure may heal (store contention, index outage).
//     The listener retries in-process with exponential backoff and returns
//     the message to the bus when the deadline runs out.
//
// Use colerrors.IsPermanent to classify any error returned by the pipeline.
//
// # Configuration
//
// The config package loads settings from an optional YAML file plus
// environment variables with the COLLATE_ prefix; the environment wins.
// Every setting has a default, so the zero configuration runs against
// local AMQP, Elasticsearch, and an on-disk SQLite store.
//
// # Command-Line Interface
//
// In addition to the library packages, collate provides a command-line
// interface:
//
//	# Run the listener and HTTP API
//	collate serve
//
//	# Run with a config file
//	collate serve --config collate.yaml
//
//	# Rebuild the search index from merged documents
//	collate reindex current
//
//	# Rebuild the search index from per-source documents
//	collate reindex history
//
// Install the CLI:
//
//	go install github.com/inkhouse/collate/cmd/collate@latest
package collate
