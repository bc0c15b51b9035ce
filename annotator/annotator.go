package annotator

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/merger"
)

// Annotate rewrites a raw document so every leaf carries a source reference.
// The input must have a top-level source object; MissingSource otherwise.
// The input is not mutated.
func Annotate(doc document.Document) (document.Document, error) {
	raw, present := doc["source"]
	if !present || raw == nil {
		return nil, &colerrors.DocumentError{Kind: colerrors.ErrMissingSource}
	}
	stamp, ok := raw.(map[string]any)
	if !ok {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSource,
			Message: "source is not an object",
		}
	}
	// A raw stamp is hashed fresh. An existing map form keeps its stamps;
	// unannotated fields can only be attributed when it holds exactly one.
	mapForm := document.IsSourceMap(stamp)
	var (
		srcHash string
		stamps  map[string]any
	)
	if mapForm {
		stamps = make(map[string]any, len(stamp))
		for h, s := range stamp {
			stamps[h] = s
		}
		if len(stamp) == 1 {
			for h := range stamp {
				srcHash = h
			}
		}
	} else {
		var err error
		srcHash, err = document.SourceHash(stamp)
		if err != nil {
			return nil, err
		}
		stamps = map[string]any{srcHash: stamp}
	}

	a := &annotation{hash: srcHash, resolve: merger.ResolverFor(stamps)}
	out := make(document.Document, len(doc))
	for k, v := range doc {
		if k == "source" {
			continue
		}
		node, err := a.node(v)
		if err != nil {
			return nil, err
		}
		out[k] = node
	}

	// Reinstate the source in map form. An existing map is kept verbatim so
	// annotation stays idempotent; a fresh stamp is keyed by its hash.
	if mapForm {
		out["source"] = document.Clone(raw)
	} else {
		out["source"] = map[string]any{srcHash: document.Clone(stamp)}
	}
	return out, nil
}

// annotation carries the walk state for a single Annotate call.
type annotation struct {
	hash    string
	resolve merger.StampResolver
}

func (a *annotation) node(v any) (any, error) {
	if document.IsAnnotated(v) {
		return document.Clone(v), nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return a.wrap(t)
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			node, err := a.node(child)
			if err != nil {
				return nil, err
			}
			out[k] = node
		}
		return out, nil
	case []any:
		if !document.IsClassifiedArray(t) {
			return a.wrap(document.Clone(t))
		}
		elements := make([]any, len(t))
		for i, el := range t {
			node, err := a.node(el)
			if err != nil {
				return nil, err
			}
			elements[i] = node
		}
		return merger.DedupeClassified(elements, a.resolve)
	default:
		return a.wrap(v)
	}
}

func (a *annotation) wrap(v any) (map[string]any, error) {
	if a.hash == "" {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSource,
			Message: "cannot attribute field: document carries multiple source stamps",
		}
	}
	return document.Wrap(v, a.hash), nil
}

// MintContributorIDs derives identifiers for contributors that arrived
// without any. Each element of the contributors array that has a display
// name and no ids entry gains one keyed and valued by the hex SHA-1 of the
// display name. The input is not mutated; call before Annotate so minted
// identifiers are stamped like any other leaf.
func MintContributorIDs(doc document.Document) document.Document {
	raw, present := doc["contributors"]
	if !present {
		return doc
	}
	if _, ok := raw.([]any); !ok {
		return doc
	}

	out := document.Clone(doc).(document.Document)
	for _, el := range out["contributors"].([]any) {
		m, ok := el.(map[string]any)
		if !ok || document.IsAnnotated(m) {
			continue
		}
		if hasIDs(m) {
			continue
		}
		display, ok := displayName(m)
		if !ok {
			continue
		}
		sum := sha1.Sum([]byte(display))
		h := hex.EncodeToString(sum[:])
		m["ids"] = map[string]any{h: h}
	}
	return out
}

func hasIDs(el map[string]any) bool {
	ids, present := el["ids"]
	if !present {
		return false
	}
	if m, ok := ids.(map[string]any); ok {
		return len(m) > 0
	}
	if a, ok := ids.([]any); ok {
		return len(a) > 0
	}
	return true
}

// displayName reads names.display from a contributor element, unwrapping
// annotations along the way.
func displayName(el map[string]any) (string, bool) {
	names, present := el["names"]
	if !present {
		return "", false
	}
	if inner, _, ok := document.Unwrap(names); ok {
		names = inner
	}
	m, ok := names.(map[string]any)
	if !ok {
		return "", false
	}
	display, present := m["display"]
	if !present {
		return "", false
	}
	if inner, _, ok := document.Unwrap(display); ok {
		display = inner
	}
	s, ok := display.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
