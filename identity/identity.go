// Package identity derives the lookup keys that tie documents to entities.
//
// The history key identifies one (upstream origin, entity) pair: the
// canonical triple of schema, the source stamp minus its volatile fields,
// and the classification. The current key identifies the entity alone:
// the canonical pair of schema and classification. Both survive annotation,
// so a document yields the same keys before and after it is stamped.
package identity

import (
	"github.com/google/uuid"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
)

// DefaultVolatileSourceFields are the stamp fields stripped before history
// key derivation. They vary across retransmits of the same payload and must
// not shift the key.
var DefaultVolatileSourceFields = []string{"processedAt", "system"}

// Keys holds everything derived from a document's identifying fields.
type Keys struct {
	// Schema is the document kind, from $schema.
	Schema string
	// Classification is the stripped classification subtree.
	Classification any
	// HistoryKey identifies the (source, entity) pair. Empty when derived
	// via Entity.
	HistoryKey string
	// CurrentKey identifies the entity.
	CurrentKey string
	// EntityID is the preferred external identifier: the first UUID-shaped
	// classification id, or the first id when none parse as UUIDs.
	EntityID string
	// EntityIDs are all classification pair ids, in classification order.
	EntityIDs []string
}

// Extractor derives Keys from documents. The zero value strips the default
// volatile fields.
type Extractor struct {
	volatile map[string]bool
}

// NewExtractor returns an Extractor that strips the given stamp fields when
// deriving history keys. Nil means DefaultVolatileSourceFields.
func NewExtractor(volatileFields []string) *Extractor {
	if volatileFields == nil {
		volatileFields = DefaultVolatileSourceFields
	}
	volatile := make(map[string]bool, len(volatileFields))
	for _, f := range volatileFields {
		volatile[f] = true
	}
	return &Extractor{volatile: volatile}
}

// Entity derives the entity-level keys: schema, classification, current key,
// and entity ids. It works on raw, annotated, and merged documents alike.
func (e *Extractor) Entity(doc document.Document) (Keys, error) {
	schema, ok := document.SchemaOf(doc)
	if !ok {
		return Keys{}, &colerrors.DocumentError{Kind: colerrors.ErrMissingSchema}
	}

	raw, present := doc["classification"]
	if inner, _, annotated := document.Unwrap(raw); annotated {
		raw = inner
	}
	if !present || isEmptyClassification(raw) {
		return Keys{}, &colerrors.DocumentError{Kind: colerrors.ErrMissingClassification}
	}
	classification := document.Strip(raw)

	currentKey, err := document.CanonicalString(map[string]any{
		"schema":         schema,
		"classification": classification,
	})
	if err != nil {
		return Keys{}, err
	}

	ids := classificationIDs(classification)
	return Keys{
		Schema:         schema,
		Classification: classification,
		CurrentKey:     currentKey,
		EntityID:       preferredID(ids),
		EntityIDs:      ids,
	}, nil
}

// Keys derives the full key set including the history key. The document must
// carry a single source stamp: either the raw form or a one-entry map form.
func (e *Extractor) Keys(doc document.Document) (Keys, error) {
	keys, err := e.Entity(doc)
	if err != nil {
		return Keys{}, err
	}

	stamp, err := singleStamp(doc)
	if err != nil {
		return Keys{}, err
	}
	stable := make(map[string]any, len(stamp))
	for k, v := range stamp {
		if e.isVolatile(k) {
			continue
		}
		stable[k] = v
	}
	if len(stable) == 0 {
		return Keys{}, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSourceFields,
			Message: "no stable source fields remain",
		}
	}

	keys.HistoryKey, err = document.CanonicalString([]any{
		keys.Schema, stable, keys.Classification,
	})
	if err != nil {
		return Keys{}, err
	}
	return keys, nil
}

func (e *Extractor) isVolatile(field string) bool {
	if e.volatile == nil {
		return field == "processedAt" || field == "system"
	}
	return e.volatile[field]
}

// singleStamp returns the document's sole source stamp: the source object
// itself for raw documents, or the single map-form entry for annotated ones.
func singleStamp(doc document.Document) (map[string]any, error) {
	raw, present := doc["source"]
	if !present {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSourceFields,
			Message: "document has no source",
		}
	}
	source, ok := raw.(map[string]any)
	if !ok {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSourceFields,
			Message: "source is not an object",
		}
	}
	if !document.IsSourceMap(source) {
		return source, nil
	}
	if len(source) != 1 {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSourceFields,
			Message: "document carries more than one source stamp",
		}
	}
	for _, stamp := range source {
		return stamp.(map[string]any), nil
	}
	return nil, &colerrors.DocumentError{Kind: colerrors.ErrMissingSourceFields}
}

func isEmptyClassification(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// classificationIDs collects the id of every {realm, id} pair, preserving
// classification order and dropping duplicates.
func classificationIDs(classification any) []string {
	var pairs []any
	switch t := classification.(type) {
	case []any:
		pairs = t
	case map[string]any:
		pairs = []any{t}
	default:
		return nil
	}

	seen := make(map[string]bool, len(pairs))
	ids := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		m, ok := pair.(map[string]any)
		if !ok {
			continue
		}
		id, ok := m["id"].(string)
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// preferredID picks the identifier used for external lookups: the first
// UUID-shaped id when present, since the HTTP surface addresses entities by
// UUID, otherwise the first id.
func preferredID(ids []string) string {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}
