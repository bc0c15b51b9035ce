// Package revisions derives a chronological change history for one entity
// from its per-source documents.
//
// Each contributing document becomes one revision: the structural diff
// between the merge of every document up to and including it and the merge
// of everything before it. Diffs are reported at leaf granularity against
// the display projection, so annotation wrappers and the source map never
// appear as changes.
package revisions

import (
	"fmt"
	"sort"
	"time"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/merger"
)

// ChangeType classifies one leaf difference.
type ChangeType string

const (
	// Added marks a leaf present only after this revision.
	Added ChangeType = "added"
	// Removed marks a leaf present only before this revision.
	Removed ChangeType = "removed"
	// Changed marks a leaf whose value this revision altered.
	Changed ChangeType = "changed"
)

// Change is one leaf difference introduced by a revision.
type Change struct {
	Path   string     `json:"path"`
	Type   ChangeType `json:"type"`
	Before any        `json:"before"`
	After  any        `json:"after"`
}

// Revision is the effect one source event had on the merged document.
type Revision struct {
	ProcessedAt time.Time `json:"processedAt"`
	System      string    `json:"system"`
	SourceHash  string    `json:"sourceHash"`
	Changes     []Change  `json:"changes"`
}

// Build orders the per-source documents chronologically and diffs each
// prefix merge against the previous one. Documents must be annotated with a
// single stamp each, as stored history documents are.
func Build(docs []document.Document) ([]Revision, error) {
	if len(docs) == 0 {
		return []Revision{}, nil
	}

	type event struct {
		doc         document.Document
		hash        string
		system      string
		processedAt time.Time
	}
	events := make([]event, 0, len(docs))
	for _, doc := range docs {
		hash, stamp, err := soleStamp(doc)
		if err != nil {
			return nil, err
		}
		ev := event{doc: doc, hash: hash}
		if s, ok := stamp["system"].(string); ok {
			ev.system = s
		}
		if raw, ok := stamp["processedAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				ev.processedAt = t
			}
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].processedAt.Equal(events[j].processedAt) {
			return events[i].processedAt.Before(events[j].processedAt)
		}
		return events[i].system < events[j].system
	})

	out := make([]Revision, 0, len(events))
	previous := document.Document{}
	var merged document.Document
	for i, ev := range events {
		var err error
		if i == 0 {
			merged = ev.doc
		} else {
			merged, err = merger.Merge(merged, ev.doc)
			if err != nil {
				return nil, err
			}
		}
		display := document.Display(merged)
		out = append(out, Revision{
			ProcessedAt: ev.processedAt,
			System:      ev.system,
			SourceHash:  ev.hash,
			Changes:     diffDocuments(previous, display),
		})
		previous = display
	}
	return out, nil
}

// soleStamp returns the single (hash, stamp) pair of a history document.
func soleStamp(doc document.Document) (string, map[string]any, error) {
	source, ok := doc["source"].(map[string]any)
	if !ok || !document.IsSourceMap(source) || len(source) != 1 {
		return "", nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMissingSource,
			Message: "history document must carry exactly one stamp",
		}
	}
	for hash, stamp := range source {
		return hash, stamp.(map[string]any), nil
	}
	return "", nil, &colerrors.DocumentError{Kind: colerrors.ErrMissingSource}
}

// diffDocuments reports the leaf-level differences between two display
// projections, ordered by path.
func diffDocuments(before, after document.Document) []Change {
	changes := []Change{}
	diffNodes("", before, true, after, true, &changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func diffNodes(path string, before any, hasBefore bool, after any, hasAfter bool, out *[]Change) {
	switch {
	case !hasBefore:
		emitLeaves(path, after, Added, out)
		return
	case !hasAfter:
		emitLeaves(path, before, Removed, out)
		return
	}

	beforeMap, beforeIsMap := before.(map[string]any)
	afterMap, afterIsMap := after.(map[string]any)
	if beforeIsMap && afterIsMap {
		keys := make(map[string]bool, len(beforeMap)+len(afterMap))
		for k := range beforeMap {
			keys[k] = true
		}
		for k := range afterMap {
			keys[k] = true
		}
		for k := range keys {
			b, hasB := beforeMap[k]
			a, hasA := afterMap[k]
			diffNodes(childPath(path, k), b, hasB, a, hasA, out)
		}
		return
	}

	beforeArr, beforeIsArr := before.([]any)
	afterArr, afterIsArr := after.([]any)
	if beforeIsArr && afterIsArr {
		for i := 0; i < len(beforeArr) || i < len(afterArr); i++ {
			b, a := any(nil), any(nil)
			hasB, hasA := i < len(beforeArr), i < len(afterArr)
			if hasB {
				b = beforeArr[i]
			}
			if hasA {
				a = afterArr[i]
			}
			diffNodes(fmt.Sprintf("%s[%d]", path, i), b, hasB, a, hasA, out)
		}
		return
	}

	if !document.Equal(before, after) {
		*out = append(*out, Change{Path: path, Type: Changed, Before: before, After: after})
	}
}

// emitLeaves records one change per leaf of an added or removed subtree.
func emitLeaves(path string, v any, kind ChangeType, out *[]Change) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			break
		}
		for k, child := range t {
			emitLeaves(childPath(path, k), child, kind, out)
		}
		return
	case []any:
		if len(t) == 0 {
			break
		}
		for i, child := range t {
			emitLeaves(fmt.Sprintf("%s[%d]", path, i), child, kind, out)
		}
		return
	}
	change := Change{Path: path, Type: kind}
	if kind == Removed {
		change.Before = v
	} else {
		change.After = v
	}
	*out = append(*out, change)
}

func childPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
