package colerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentError(t *testing.T) {
	cases := []struct {
		name        string
		err         *DocumentError
		wantMessage string
		wantIs      error
	}{
		{
			name:        "missing source",
			err:         &DocumentError{Kind: ErrMissingSource},
			wantMessage: "missing source",
			wantIs:      ErrMissingSource,
		},
		{
			name: "bad classification with path",
			err: &DocumentError{
				Kind:    ErrBadClassification,
				Path:    "contributors[2]",
				Message: "element lacks classification",
			},
			wantMessage: "bad classification at contributors[2]: element lacks classification",
			wantIs:      ErrBadClassification,
		},
		{
			name: "malformed payload with cause",
			err: &DocumentError{
				Kind:  ErrMalformedPayload,
				Cause: errors.New("unexpected end of JSON input"),
			},
			wantMessage: "malformed payload: unexpected end of JSON input",
			wantIs:      ErrMalformedPayload,
		},
		{
			name: "incoherent merge",
			err: &DocumentError{
				Kind:    ErrIncoherent,
				Message: `schema "book.v2" vs "contributor.v2"`,
			},
			wantMessage: `incoherent merge inputs: schema "book.v2" vs "contributor.v2"`,
			wantIs:      ErrIncoherent,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantMessage, tc.err.Error())
			assert.True(t, errors.Is(tc.err, tc.wantIs))
			assert.False(t, errors.Is(tc.err, ErrNotFound))
		})
	}
}

func TestDocumentErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &DocumentError{Kind: ErrMalformedPayload, Cause: cause}
	assert.Equal(t, cause, errors.Unwrap(err))

	wrapped := fmt.Errorf("ingest failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrMalformedPayload))

	var docErr *DocumentError
	assert.True(t, errors.As(wrapped, &docErr))
	assert.Equal(t, ErrMalformedPayload, docErr.Kind)
}

func TestStoreError(t *testing.T) {
	cases := []struct {
		name     string
		err      *StoreError
		wantIs   error
		wantNot  error
		contains string
	}{
		{
			name:     "conflict",
			err:      &StoreError{Op: "store", Key: `["book.v2"]`, Conflict: true},
			wantIs:   ErrStoreConflict,
			wantNot:  ErrStoreUnavailable,
			contains: "store version conflict",
		},
		{
			name:     "unavailable",
			err:      &StoreError{Op: "lookup", Cause: errors.New("database is locked")},
			wantIs:   ErrStoreUnavailable,
			wantNot:  ErrStoreConflict,
			contains: "database is locked",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, errors.Is(tc.err, tc.wantIs))
			assert.False(t, errors.Is(tc.err, tc.wantNot))
			assert.Contains(t, tc.err.Error(), tc.contains)
		})
	}
}

func TestIndexError(t *testing.T) {
	err := &IndexError{Op: "put", ID: "doc-1", Cause: errors.New("connection refused")}
	assert.True(t, errors.Is(err, ErrIndexUnavailable))
	assert.Contains(t, err.Error(), "put")
	assert.Contains(t, err.Error(), `"doc-1"`)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "malformed payload", err: &DocumentError{Kind: ErrMalformedPayload}, want: true},
		{name: "missing source", err: &DocumentError{Kind: ErrMissingSource}, want: true},
		{name: "missing schema", err: &DocumentError{Kind: ErrMissingSchema}, want: true},
		{name: "missing classification", err: &DocumentError{Kind: ErrMissingClassification}, want: true},
		{name: "missing source fields", err: &DocumentError{Kind: ErrMissingSourceFields}, want: true},
		{name: "bad classification", err: &DocumentError{Kind: ErrBadClassification}, want: true},
		{name: "incoherent", err: &DocumentError{Kind: ErrIncoherent}, want: true},
		{name: "empty merge", err: &DocumentError{Kind: ErrEmptyMerge}, want: true},
		{name: "empty history", err: &DocumentError{Kind: ErrEmptyHistory}, want: true},
		{
			name: "wrapped permanent",
			err:  fmt.Errorf("step 3: %w", &DocumentError{Kind: ErrMissingSchema}),
			want: true,
		},
		{name: "store conflict", err: &StoreError{Conflict: true}, want: false},
		{name: "store unavailable", err: &StoreError{Op: "store"}, want: false},
		{name: "index failure", err: &IndexError{Op: "put"}, want: false},
		{name: "plain error", err: errors.New("anything"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPermanent(tc.err))
		})
	}
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(&StoreError{Conflict: true}))
	assert.True(t, IsTemporary(&StoreError{Op: "lookup"}))
	assert.True(t, IsTemporary(&IndexError{Op: "search"}))
	assert.True(t, IsTemporary(fmt.Errorf("retry: %w", &StoreError{Op: "scan"})))
	assert.False(t, IsTemporary(nil))
	assert.False(t, IsTemporary(&DocumentError{Kind: ErrMissingSource}))
	assert.False(t, IsTemporary(errors.New("anything")))
}
