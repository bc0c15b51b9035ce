// Package indexer bridges stored documents into the search backend.
//
// The Bridge pushes display projections of merged documents into an Index,
// keyed by entity id, and rebuilds the index from either store in chunks.
// Rebuilds are single-flighted per target: concurrent requests for the same
// rebuild share one run.
package indexer

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/logging"
	"github.com/inkhouse/collate/store"
)

// DefaultChunkSize is the number of records fetched per rebuild chunk.
const DefaultChunkSize = 100

// SearchResult is one page of index hits.
type SearchResult struct {
	// Hits are the matching documents in rank order.
	Hits []document.Document `json:"hits"`
	// LastPage is true when no further page exists.
	LastPage bool `json:"lastPage"`
}

// Index is the search backend contract.
type Index interface {
	// Put writes doc under id, replacing any previous version.
	Put(ctx context.Context, id string, doc document.Document) error

	// Search runs a free-text query and returns one page of hits.
	Search(ctx context.Context, query string, offset, count int) (SearchResult, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithChunkSize sets the rebuild chunk size.
func WithChunkSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.chunk = n
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge connects the document stores to the search index.
type Bridge struct {
	history   store.HistoryStore
	current   store.CurrentStore
	index     Index
	extractor *identity.Extractor
	chunk     int
	logger    logging.Logger
	flight    singleflight.Group
}

// NewBridge builds a Bridge over the two stores and the index. A nil
// extractor uses the default volatile field set.
func NewBridge(history store.HistoryStore, current store.CurrentStore, index Index, extractor *identity.Extractor, opts ...Option) *Bridge {
	if extractor == nil {
		extractor = identity.NewExtractor(nil)
	}
	b := &Bridge{
		history:   history,
		current:   current,
		index:     index,
		extractor: extractor,
		chunk:     DefaultChunkSize,
		logger:    logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CurrentReplaced pushes a freshly merged document into the index. It
// satisfies the ingest pipeline's notifier contract.
func (b *Bridge) CurrentReplaced(ctx context.Context, rec store.Record) error {
	return b.pushCurrent(ctx, rec)
}

// PushEntity re-pushes the current document for one entity id.
func (b *Bridge) PushEntity(ctx context.Context, entityID, schema string) error {
	rec, err := b.current.GetByID(ctx, entityID, schema)
	if err != nil {
		return err
	}
	return b.pushCurrent(ctx, rec)
}

// Search forwards a query to the index.
func (b *Bridge) Search(ctx context.Context, query string, offset, count int) (SearchResult, error) {
	return b.index.Search(ctx, query, offset, count)
}

// ReindexCurrent re-pushes every current document, keyed by entity id.
// Concurrent calls share one run. It returns the number of documents pushed.
func (b *Bridge) ReindexCurrent(ctx context.Context) (int, error) {
	return b.singleReindex(ctx, "current", b.current.Scan, b.pushCurrent)
}

// ReindexHistory re-pushes every per-source document, keyed by record id so
// the documents of one entity stay distinct.
func (b *Bridge) ReindexHistory(ctx context.Context) (int, error) {
	return b.singleReindex(ctx, "history", b.history.Scan, b.pushHistory)
}

type scanFunc func(ctx context.Context, chunkSize int, fn func([]store.Record) error) error

func (b *Bridge) singleReindex(ctx context.Context, target string, scan scanFunc, push func(context.Context, store.Record) error) (int, error) {
	v, err, shared := b.flight.Do(target, func() (any, error) {
		n, err := b.reindex(ctx, scan, push)
		if err != nil {
			b.logger.Error("reindex failed", "target", target, "pushed", n, "error", err)
		} else {
			b.logger.Info("reindex complete", "target", target, "pushed", n)
		}
		return n, err
	})
	if shared {
		b.logger.Debug("reindex joined in-flight run", "target", target)
	}
	return v.(int), err
}

// reindex scans the store in chunks, pushing each record. Push failures are
// collected and reported at the end; the scan keeps going.
func (b *Bridge) reindex(ctx context.Context, scan scanFunc, push func(context.Context, store.Record) error) (int, error) {
	pushed := 0
	var errs *multierror.Error
	err := scan(ctx, b.chunk, func(records []store.Record) error {
		for _, rec := range records {
			if err := push(ctx, rec); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
				continue
			}
			pushed++
		}
		return ctx.Err()
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return pushed, errs.ErrorOrNil()
}

func (b *Bridge) pushCurrent(ctx context.Context, rec store.Record) error {
	keys, err := b.extractor.Entity(rec.Doc)
	if err != nil {
		return err
	}
	return b.index.Put(ctx, keys.EntityID, document.Display(rec.Doc))
}

func (b *Bridge) pushHistory(ctx context.Context, rec store.Record) error {
	return b.index.Put(ctx, rec.ID, document.Display(rec.Doc))
}
