// Package merger implements the deterministic merge of annotated documents.
//
// Merge is a binary operation that is commutative, associative, and
// idempotent, so a set of per-source documents reduces to the same current
// document regardless of arrival order. Objects merge by field union,
// classified arrays merge by classification identity, and competing
// annotated leaves are resolved last-writer-wins:
//
//  1. the leaf whose source stamp has the later processedAt wins
//  2. ties fall to the lexicographically larger source hash
//  3. identical stamps fall to the lexicographically larger canonical value
//
// Inputs must be coherent: same schema and same classification. Merging
// across entities is a caller bug and returns ErrIncoherent.
package merger

import (
	"fmt"
	"time"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
)

// StampResolver maps a source hash to its stamp so competing leaves can be
// ordered by processedAt. Unresolvable hashes order as the zero time and
// lose to any resolvable stamp.
type StampResolver func(hash string) (map[string]any, bool)

// Merge combines two annotated documents of the same entity into one.
// The result may share subtrees with its inputs; callers must not mutate it.
func Merge(a, b document.Document) (document.Document, error) {
	if err := checkCoherent(a, b); err != nil {
		return nil, err
	}
	aSources, err := sourceMapOf(a)
	if err != nil {
		return nil, err
	}
	bSources, err := sourceMapOf(b)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]any, len(aSources)+len(bSources))
	for h, stamp := range aSources {
		sources[h] = stamp
	}
	for h, stamp := range bSources {
		sources[h] = stamp
	}
	resolve := ResolverFor(sources)

	merged := make(document.Document, len(a)+len(b))
	for k, av := range a {
		if k == "source" {
			continue
		}
		bv, shared := b[k]
		if !shared {
			merged[k] = av
			continue
		}
		m, err := mergeNode(av, bv, resolve, k)
		if err != nil {
			return nil, err
		}
		merged[k] = m
	}
	for k, bv := range b {
		if k == "source" {
			continue
		}
		if _, shared := a[k]; !shared {
			merged[k] = bv
		}
	}
	merged["source"] = sources
	return merged, nil
}

// MergeAll reduces a set of annotated documents of the same entity to one.
// An empty set returns ErrEmptyMerge; a single document is returned as a
// deep copy.
func MergeAll(docs []document.Document) (document.Document, error) {
	if len(docs) == 0 {
		return nil, &colerrors.DocumentError{Kind: colerrors.ErrEmptyMerge}
	}
	merged := document.Clone(docs[0]).(document.Document)
	for _, doc := range docs[1:] {
		next, err := Merge(merged, doc)
		if err != nil {
			return nil, err
		}
		merged = next
	}
	return merged, nil
}

// MergeNodes merges two annotated subtrees under the given stamp resolver.
// It backs both document merging and classified-array deduplication.
func MergeNodes(a, b any, resolve StampResolver) (any, error) {
	return mergeNode(a, b, resolve, "")
}

// ResolverFor returns a StampResolver over a map-form source collection.
func ResolverFor(sources map[string]any) StampResolver {
	return func(hash string) (map[string]any, bool) {
		stamp, ok := sources[hash].(map[string]any)
		return stamp, ok
	}
}

func mergeNode(a, b any, resolve StampResolver, path string) (any, error) {
	aValue, aHash, aAnnotated := document.Unwrap(a)
	bValue, bHash, bAnnotated := document.Unwrap(b)

	if aAnnotated && bAnnotated {
		if leafWins(aValue, aHash, bValue, bHash, resolve) {
			return a, nil
		}
		return b, nil
	}
	if aAnnotated != bAnnotated {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrIncoherent,
			Path:    path,
			Message: "annotated leaf on one side only",
		}
	}

	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok {
			return nil, shapeMismatch(path, a, b)
		}
		merged := make(map[string]any, len(at)+len(bt))
		for k, av := range at {
			bv, shared := bt[k]
			if !shared {
				merged[k] = av
				continue
			}
			m, err := mergeNode(av, bv, resolve, childPath(path, k))
			if err != nil {
				return nil, err
			}
			merged[k] = m
		}
		for k, bv := range bt {
			if _, shared := at[k]; !shared {
				merged[k] = bv
			}
		}
		return merged, nil
	case []any:
		bt, ok := b.([]any)
		if !ok {
			return nil, shapeMismatch(path, a, b)
		}
		union := make([]any, 0, len(at)+len(bt))
		union = append(union, at...)
		union = append(union, bt...)
		return dedupeClassified(union, resolve, path)
	default:
		// Plain scalars only appear in annotated documents when the trees
		// agree; anything else is corrupt input.
		if document.Equal(a, b) {
			return a, nil
		}
		return nil, shapeMismatch(path, a, b)
	}
}

// DedupeClassified collapses classified-array elements that share a
// classification, merging each group pairwise. Survivors keep first
// occurrence order.
func DedupeClassified(items []any, resolve StampResolver) ([]any, error) {
	return dedupeClassified(items, resolve, "")
}

func dedupeClassified(items []any, resolve StampResolver, path string) ([]any, error) {
	order := make([]string, 0, len(items))
	byKey := make(map[string]any, len(items))
	for i, el := range items {
		key, err := document.ClassificationKey(el)
		if err != nil {
			return nil, &colerrors.DocumentError{
				Kind: colerrors.ErrBadClassification,
				Path: fmt.Sprintf("%s[%d]", path, i),
			}
		}
		existing, seen := byKey[key]
		if !seen {
			order = append(order, key)
			byKey[key] = el
			continue
		}
		merged, err := mergeNode(existing, el, resolve, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		byKey[key] = merged
	}
	out := make([]any, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, nil
}

// leafWins reports whether leaf a beats leaf b under the last-writer-wins
// total order.
func leafWins(aValue any, aHash string, bValue any, bHash string, resolve StampResolver) bool {
	aTime := stampTime(resolve, aHash)
	bTime := stampTime(resolve, bHash)
	if !aTime.Equal(bTime) {
		return aTime.After(bTime)
	}
	if aHash != bHash {
		return aHash > bHash
	}
	aCanon, aErr := document.Canonical(aValue)
	bCanon, bErr := document.Canonical(bValue)
	if aErr != nil || bErr != nil {
		return true
	}
	return string(aCanon) >= string(bCanon)
}

// stampTime extracts the processedAt instant from the stamp behind a hash.
// Missing stamps and unparseable instants order as the zero time.
func stampTime(resolve StampResolver, hash string) time.Time {
	if resolve == nil {
		return time.Time{}
	}
	stamp, ok := resolve(hash)
	if !ok {
		return time.Time{}
	}
	raw, ok := stamp["processedAt"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func checkCoherent(a, b document.Document) error {
	aSchema, _ := document.SchemaOf(a)
	bSchema, _ := document.SchemaOf(b)
	if aSchema != bSchema {
		return &colerrors.DocumentError{
			Kind:    colerrors.ErrIncoherent,
			Message: fmt.Sprintf("schema %q vs %q", aSchema, bSchema),
		}
	}
	aClass := document.Strip(a["classification"])
	bClass := document.Strip(b["classification"])
	if !document.Equal(aClass, bClass) {
		return &colerrors.DocumentError{
			Kind:    colerrors.ErrIncoherent,
			Message: "classification mismatch",
		}
	}
	return nil
}

// sourceMapOf returns the document's source collection, which for annotated
// documents is a map of source hash to stamp.
func sourceMapOf(doc document.Document) (map[string]any, error) {
	raw, present := doc["source"]
	if !present {
		return nil, &colerrors.DocumentError{Kind: colerrors.ErrMissingSource}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSource,
			Message: "source is not a map of stamps",
		}
	}
	for h, stamp := range m {
		if !document.IsHashRef(h) {
			return nil, &colerrors.DocumentError{
				Kind:    colerrors.ErrMissingSource,
				Message: fmt.Sprintf("source key %q is not a hash reference", h),
			}
		}
		if _, ok := stamp.(map[string]any); !ok {
			return nil, &colerrors.DocumentError{
				Kind:    colerrors.ErrMissingSource,
				Message: fmt.Sprintf("stamp for %q is not an object", h),
			}
		}
	}
	return m, nil
}

func shapeMismatch(path string, a, b any) error {
	return &colerrors.DocumentError{
		Kind:    colerrors.ErrIncoherent,
		Path:    path,
		Message: fmt.Sprintf("cannot merge %T with %T", a, b),
	}
}

func childPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
