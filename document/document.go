// Package document provides the parsed document model shared by every stage
// of collate: parsing, canonical serialization, source hashing, annotation
// wrappers, and classified-array helpers.
//
// Documents are plain JSON trees: map[string]any for objects, []any for
// arrays, and string, json.Number, bool, or nil at the leaves. Numbers are
// kept as json.Number and normalized at parse time so that equal values
// always serialize to equal bytes.
//
// A leaf is annotated by wrapping it in an object with exactly two fields:
//
//	{"value": <leaf>, "source": "<hex sha-1 of the canonical source stamp>"}
//
// Canonical serialization writes object keys in sorted order with no
// whitespace; it is the basis for source hashes, history keys, current keys,
// and document equality.
package document

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/inkhouse/collate/colerrors"
)

// Document is a parsed JSON object payload.
type Document = map[string]any

// canonicalJSON serializes with sorted object keys and no HTML escaping.
// Combined with parse-time number normalization it yields the canonical
// form: equal values always produce equal bytes.
var canonicalJSON = jsoniter.Config{
	SortMapKeys: true,
	UseNumber:   true,
	EscapeHTML:  false,
}.Froze()

// wireJSON decodes payloads, keeping numbers as json.Number so that integer
// literals survive round trips without float64 damage.
var wireJSON = jsoniter.Config{
	UseNumber:  true,
	EscapeHTML: false,
}.Froze()

// Parse decodes a JSON object payload into a Document, normalizing all
// numbers to their canonical literals. Non-object payloads and invalid JSON
// return ErrMalformedPayload.
func Parse(data []byte) (Document, error) {
	var v any
	if err := wireJSON.Unmarshal(data, &v); err != nil {
		return nil, &colerrors.DocumentError{Kind: colerrors.ErrMalformedPayload, Cause: err}
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, &colerrors.DocumentError{
			Kind:    colerrors.ErrMalformedPayload,
			Message: "payload is not a JSON object",
		}
	}
	normalized, err := normalizeNumbers(doc)
	if err != nil {
		return nil, &colerrors.DocumentError{Kind: colerrors.ErrMalformedPayload, Cause: err}
	}
	return normalized.(map[string]any), nil
}

// NormalizeNumber returns the canonical literal for a JSON number. Integer
// literals pass through verbatim, preserving precision beyond float64.
// Literals containing a fraction or exponent are rewritten via float64 with
// the shortest representation that round-trips.
func NormalizeNumber(n json.Number) (json.Number, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("normalizing number %q: %w", s, err)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if out == "-0" {
		out = "0"
	}
	return json.Number(out), nil
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return NormalizeNumber(t)
	case map[string]any:
		for k, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// Canonical returns the canonical serialization of v: sorted object keys,
// no whitespace, normalized number literals.
func Canonical(v any) ([]byte, error) {
	data, err := canonicalJSON.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization: %w", err)
	}
	return data, nil
}

// CanonicalString is Canonical returning a string, convenient for keys.
func CanonicalString(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SourceHash returns the lowercase hex SHA-1 of the canonical serialization
// of v. It identifies a source stamp everywhere a leaf refers to one.
func SourceHash(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two values have identical canonical serializations.
func Equal(a, b any) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

// Clone returns a deep copy of v. Maps and slices are copied recursively;
// leaves are immutable and shared.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Wrap returns the annotated form of a leaf value.
func Wrap(v any, sourceHash string) map[string]any {
	return map[string]any{"value": v, "source": sourceHash}
}

// Unwrap destructures an annotated node into its value and source hash.
// ok is false when v is not an annotated node.
func Unwrap(v any) (value any, sourceHash string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 2 {
		return nil, "", false
	}
	value, hasValue := m["value"]
	src, hasSource := m["source"]
	if !hasValue || !hasSource {
		return nil, "", false
	}
	hash, isString := src.(string)
	if !isString {
		return nil, "", false
	}
	return value, hash, true
}

// IsAnnotated reports whether v is an annotated node: an object with exactly
// two fields, value and source, where source is a hash reference.
func IsAnnotated(v any) bool {
	_, _, ok := Unwrap(v)
	return ok
}

// Strip removes annotation wrappers recursively, returning the plain value
// tree. Fields other than annotation wrappers pass through unchanged.
func Strip(v any) any {
	if value, _, ok := Unwrap(v); ok {
		return Strip(value)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Strip(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Strip(child)
		}
		return out
	default:
		return v
	}
}

// Display returns the presentation projection of an annotated document:
// annotation wrappers removed and the top-level source dropped.
func Display(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if k == "source" {
			continue
		}
		out[k] = Strip(v)
	}
	return out
}

// SchemaOf reads the document's $schema string, unwrapping an annotation if
// present. ok is false when the field is absent or not a string.
func SchemaOf(doc Document) (string, bool) {
	v, present := doc["$schema"]
	if !present {
		return "", false
	}
	if inner, _, annotated := Unwrap(v); annotated {
		v = inner
	}
	s, isString := v.(string)
	if !isString || s == "" {
		return "", false
	}
	return s, true
}

// IsHashRef reports whether s looks like a lowercase hex SHA-1, the shape of
// every source reference.
func IsHashRef(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsSourceMap reports whether a source object is in annotated map form:
// non-empty, every key a hash reference, every value a stamp object.
func IsSourceMap(source map[string]any) bool {
	if len(source) == 0 {
		return false
	}
	for h, stamp := range source {
		if !IsHashRef(h) {
			return false
		}
		if _, ok := stamp.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// ElementClassification returns the classification of a classified-array
// element. The classification may sit directly on the element or under its
// value field when the element arrived in annotated form.
func ElementClassification(el any) (any, bool) {
	m, isMap := el.(map[string]any)
	if !isMap {
		return nil, false
	}
	if c, present := m["classification"]; present {
		return c, true
	}
	if v, present := m["value"]; present {
		if vm, isMap := v.(map[string]any); isMap {
			if c, present := vm["classification"]; present {
				return c, true
			}
		}
	}
	return nil, false
}

// IsClassifiedArray reports whether every element of a non-empty array
// carries a classification. Classified arrays are annotated element-wise
// and merged by classification identity; all other arrays are opaque leaves.
func IsClassifiedArray(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, el := range items {
		if _, ok := ElementClassification(el); !ok {
			return false
		}
	}
	return true
}

// ClassificationKey returns the canonical serialization of an element's
// stripped classification, the identity used for deduplication and merging.
func ClassificationKey(el any) (string, error) {
	c, ok := ElementClassification(el)
	if !ok {
		return "", &colerrors.DocumentError{
			Kind:    colerrors.ErrBadClassification,
			Message: "element lacks a classification",
		}
	}
	return CanonicalString(Strip(c))
}
