// Package ingestor orchestrates the per-message reconciliation pipeline.
//
// One Ingest call takes a raw payload through parse, annotation, key
// extraction, history normalization, merge, and current replacement. The
// steps run strictly in order; any failure before the final notification
// aborts the message. Failures carry the permanent/temporary distinction
// from colerrors so callers can decide between dead-lettering and retry.
package ingestor

import (
	"context"
	"fmt"
	"time"

	"github.com/inkhouse/collate/annotator"
	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/logging"
	"github.com/inkhouse/collate/merger"
	"github.com/inkhouse/collate/store"
)

// DefaultContributorSchema is the schema id that triggers contributor id
// minting.
const DefaultContributorSchema = "contributor.v2"

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier sets the index notifier invoked after each ingest.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithContributorSchema sets the schema id that triggers id minting.
func WithContributorSchema(schema string) Option {
	return func(p *Pipeline) {
		if schema != "" {
			p.contributorSchema = schema
		}
	}
}

// WithCallTimeout bounds each store call. Zero means no per-call deadline
// beyond the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.callTimeout = d }
}

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline runs the reconciliation steps for incoming messages.
type Pipeline struct {
	history           store.HistoryStore
	current           store.CurrentStore
	extractor         *identity.Extractor
	notifier          Notifier
	contributorSchema string
	callTimeout       time.Duration
	logger            logging.Logger
}

// New builds a Pipeline over the two stores. A nil extractor uses the
// default volatile field set.
func New(history store.HistoryStore, current store.CurrentStore, extractor *identity.Extractor, opts ...Option) *Pipeline {
	if extractor == nil {
		extractor = identity.NewExtractor(nil)
	}
	p := &Pipeline{
		history:           history,
		current:           current,
		extractor:         extractor,
		notifier:          NopNotifier{},
		contributorSchema: DefaultContributorSchema,
		logger:            logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports what one ingest did.
type Result struct {
	// Schema is the document kind that was ingested.
	Schema string
	// EntityID is the entity's preferred external identifier.
	EntityID string
	// HistoryKey identifies the (source, entity) pair that was written.
	HistoryKey string
	// CurrentKey identifies the entity whose merge was replaced.
	CurrentKey string
	// History is the stored per-source record.
	History store.Record
	// Current is the stored merged record.
	Current store.Record
	// RepairedHistory counts duplicate history records removed.
	RepairedHistory int
	// RepairedCurrent counts duplicate current records removed.
	RepairedCurrent int
}

// Ingest runs the full pipeline for one message payload.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) (*Result, error) {
	doc, err := document.Parse(payload)
	if err != nil {
		return nil, err
	}
	if schema, ok := document.SchemaOf(doc); ok && schema == p.contributorSchema {
		doc = annotator.MintContributorIDs(doc)
	}

	annotated, err := annotator.Annotate(doc)
	if err != nil {
		return nil, err
	}
	keys, err := p.extractor.Keys(annotated)
	if err != nil {
		return nil, err
	}
	log := p.logger.With("schema", keys.Schema, "entity", keys.EntityID)

	historyRec, repairedHistory, err := p.replaceHistory(ctx, log, keys, annotated)
	if err != nil {
		return nil, err
	}

	merged, err := p.mergeEntity(ctx, keys)
	if err != nil {
		return nil, err
	}

	currentRec, repairedCurrent, err := p.replaceCurrent(ctx, log, keys, merged)
	if err != nil {
		return nil, err
	}

	if err := p.notifier.CurrentReplaced(ctx, currentRec); err != nil {
		log.Warn("index notification failed", "error", err)
	}

	log.Debug("document ingested",
		"historyId", historyRec.ID,
		"historyVersion", historyRec.Version,
		"currentId", currentRec.ID,
		"currentVersion", currentRec.Version)

	return &Result{
		Schema:          keys.Schema,
		EntityID:        keys.EntityID,
		HistoryKey:      keys.HistoryKey,
		CurrentKey:      keys.CurrentKey,
		History:         historyRec,
		Current:         currentRec,
		RepairedHistory: repairedHistory,
		RepairedCurrent: repairedCurrent,
	}, nil
}

// replaceHistory normalizes the history store for the incoming document:
// adopt the identity of an existing record so the write replaces it, remove
// any duplicates beyond the first, then store.
func (p *Pipeline) replaceHistory(ctx context.Context, log logging.Logger, keys identity.Keys, annotated document.Document) (store.Record, int, error) {
	matches, err := p.lookupHistory(ctx, keys.HistoryKey)
	if err != nil {
		return store.Record{}, 0, err
	}

	rec := store.Record{Doc: annotated}
	if len(matches) > 0 {
		rec.ID = matches[0].ID
		rec.Version = matches[0].Version
	}

	repaired := 0
	if len(matches) > 1 {
		ids := recordIDs(matches[1:])
		if err := p.deleteHistory(ctx, ids); err != nil {
			return store.Record{}, 0, err
		}
		repaired = len(ids)
		log.Warn("removed duplicate history records", "count", repaired, "historyKey", keys.HistoryKey)
	}

	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	stored, err := p.history.Store(cctx, rec)
	if err != nil {
		return store.Record{}, 0, err
	}
	return stored, repaired, nil
}

// mergeEntity reduces every per-source document for the entity to one.
func (p *Pipeline) mergeEntity(ctx context.Context, keys identity.Keys) (document.Document, error) {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	records, err := p.history.FetchByEntity(cctx, keys.Schema, keys.Classification)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrEmptyHistory,
			Message: fmt.Sprintf("no history for %s", keys.CurrentKey),
		}
	}
	docs := make([]document.Document, len(records))
	for i, rec := range records {
		docs[i] = rec.Doc
	}
	return merger.MergeAll(docs)
}

// replaceCurrent mirrors replaceHistory for the merged document.
func (p *Pipeline) replaceCurrent(ctx context.Context, log logging.Logger, keys identity.Keys, merged document.Document) (store.Record, int, error) {
	cctx, cancel := p.callCtx(ctx)
	matches, err := p.current.LookupByCurrentKey(cctx, keys.CurrentKey)
	cancel()
	if err != nil {
		return store.Record{}, 0, err
	}

	rec := store.Record{Doc: merged}
	if len(matches) > 0 {
		rec.ID = matches[0].ID
		rec.Version = matches[0].Version
	}

	repaired := 0
	if len(matches) > 1 {
		ids := recordIDs(matches[1:])
		cctx, cancel := p.callCtx(ctx)
		err := p.current.DeleteMany(cctx, ids)
		cancel()
		if err != nil {
			return store.Record{}, 0, err
		}
		repaired = len(ids)
		log.Warn("removed duplicate current records", "count", repaired, "currentKey", keys.CurrentKey)
	}

	cctx, cancel = p.callCtx(ctx)
	defer cancel()
	stored, err := p.current.Store(cctx, rec)
	if err != nil {
		return store.Record{}, 0, err
	}
	return stored, repaired, nil
}

func (p *Pipeline) lookupHistory(ctx context.Context, key string) ([]store.Record, error) {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	return p.history.LookupByHistoryKey(cctx, key)
}

func (p *Pipeline) deleteHistory(ctx context.Context, ids []string) error {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	return p.history.DeleteMany(cctx, ids)
}

func (p *Pipeline) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.callTimeout)
}

func recordIDs(records []store.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}
