package ingestor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhouse/collate/annotator"
	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/store"
	"github.com/inkhouse/collate/store/sqlite"
)

type recordingNotifier struct {
	records []store.Record
	err     error
}

func (n *recordingNotifier) CurrentReplaced(_ context.Context, rec store.Record) error {
	n.records = append(n.records, rec)
	return n.err
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "collate.db"), identity.NewExtractor(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.History(), db.Current(), nil, opts...), db
}

func payload(t *testing.T, doc document.Document) []byte {
	t.Helper()
	data, err := document.Canonical(doc)
	require.NoError(t, err)
	return data
}

func rawBook(system, processedAt, isbn string, fields map[string]any) document.Document {
	doc := document.Document{
		"$schema": "book.v2",
		"classification": []any{
			map[string]any{"realm": "isbn", "id": isbn},
		},
		"source": map[string]any{
			"system":      system,
			"processedAt": processedAt,
			"role":        "publisher",
		},
	}
	for k, v := range fields {
		doc[k] = v
	}
	return doc
}

func stampHash(t *testing.T, system, processedAt string) string {
	t.Helper()
	hash, err := document.SourceHash(map[string]any{
		"system":      system,
		"processedAt": processedAt,
		"role":        "publisher",
	})
	require.NoError(t, err)
	return hash
}

func unwrapField(t *testing.T, doc document.Document, field string) (any, string) {
	t.Helper()
	value, hash, ok := document.Unwrap(doc[field])
	require.True(t, ok, "field %q should be annotated", field)
	return value, hash
}

func TestIngestFirstDocument(t *testing.T) {
	p, db := newTestPipeline(t, WithCallTimeout(2*time.Second))
	ctx := context.Background()

	res, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)

	assert.Equal(t, "book.v2", res.Schema)
	assert.Equal(t, "9780000000001", res.EntityID)
	assert.NotEmpty(t, res.HistoryKey)
	assert.NotEmpty(t, res.CurrentKey)
	assert.Equal(t, int64(1), res.History.Version)
	assert.Equal(t, int64(1), res.Current.Version)
	assert.Zero(t, res.RepairedHistory)
	assert.Zero(t, res.RepairedCurrent)

	value, hash := unwrapField(t, res.Current.Doc, "title")
	assert.Equal(t, "Alpha", value)
	assert.Equal(t, stampHash(t, "sA", "2020-01-01T00:00:00Z"), hash)

	records, err := db.History().LookupByHistoryKey(ctx, res.HistoryKey)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	currents, err := db.Current().LookupByCurrentKey(ctx, res.CurrentKey)
	require.NoError(t, err)
	assert.Len(t, currents, 1)
}

func TestIngestTwoSourcesMerge(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)

	res, err := p.Ingest(ctx, payload(t, rawBook("sB", "2020-02-01T00:00:00Z", "9780000000001", map[string]any{
		"subtitle": "An Introduction",
	})))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Current.Version)

	title, titleHash := unwrapField(t, res.Current.Doc, "title")
	assert.Equal(t, "Alpha", title)
	assert.Equal(t, stampHash(t, "sA", "2020-01-01T00:00:00Z"), titleHash)

	subtitle, subtitleHash := unwrapField(t, res.Current.Doc, "subtitle")
	assert.Equal(t, "An Introduction", subtitle)
	assert.Equal(t, stampHash(t, "sB", "2020-02-01T00:00:00Z"), subtitleHash)

	sources, ok := res.Current.Doc["source"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, sources, 2)

	records, err := db.History().FetchByEntity(ctx, "book.v2", []any{
		map[string]any{"realm": "isbn", "id": "9780000000001"},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestIngestLaterWins(t *testing.T) {
	early := rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{"title": "Alpha"})
	late := rawBook("sB", "2020-02-01T00:00:00Z", "9780000000001", map[string]any{"title": "Alpha!"})

	for name, order := range map[string][]document.Document{
		"early first": {early, late},
		"late first":  {late, early},
	} {
		t.Run(name, func(t *testing.T) {
			p, _ := newTestPipeline(t)
			ctx := context.Background()

			var res *Result
			for _, doc := range order {
				var err error
				res, err = p.Ingest(ctx, payload(t, doc))
				require.NoError(t, err)
			}

			title, hash := unwrapField(t, res.Current.Doc, "title")
			assert.Equal(t, "Alpha!", title)
			assert.Equal(t, stampHash(t, "sB", "2020-02-01T00:00:00Z"), hash)
		})
	}
}

func TestIngestResendReplacesHistory(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)

	resend, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-03-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)

	assert.Equal(t, first.HistoryKey, resend.HistoryKey)
	assert.Equal(t, first.History.ID, resend.History.ID)
	assert.Equal(t, int64(2), resend.History.Version)
	assert.Zero(t, resend.RepairedHistory)

	records, err := db.History().LookupByHistoryKey(ctx, resend.HistoryKey)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.True(t, document.Equal(
		document.Display(first.Current.Doc),
		document.Display(resend.Current.Doc),
	))
}

func TestIngestContributorMinting(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, payload(t, document.Document{
		"$schema": "contributor.v2",
		"classification": []any{
			map[string]any{"realm": "onix", "id": "C123"},
		},
		"source": map[string]any{"system": "sA", "processedAt": "2020-01-01T00:00:00Z"},
		"contributors": []any{
			map[string]any{"names": map[string]any{"display": "Jane Doe"}},
		},
	}))
	require.NoError(t, err)

	sum := sha1.Sum([]byte("Jane Doe"))
	want := hex.EncodeToString(sum[:])

	display := document.Display(res.Current.Doc)
	contributors, ok := display["contributors"].([]any)
	require.True(t, ok)
	require.Len(t, contributors, 1)
	ids, ok := contributors[0].(map[string]any)["ids"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, want, ids[want])
}

func TestIngestMintingOnlyForContributorSchema(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"contributors": []any{
			map[string]any{"names": map[string]any{"display": "Jane Doe"}},
		},
	})))
	require.NoError(t, err)

	display := document.Display(res.Current.Doc)
	contributors := display["contributors"].([]any)
	assert.NotContains(t, contributors[0].(map[string]any), "ids")
}

func TestIngestHistoryRepair(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	// Two seeded records share one history key, differing only in the
	// volatile processedAt.
	for _, processedAt := range []string{"2020-01-01T00:00:00Z", "2020-01-02T00:00:00Z"} {
		doc, err := annotator.Annotate(rawBook("sA", processedAt, "9780000000001", map[string]any{
			"title": "Alpha",
		}))
		require.NoError(t, err)
		_, err = db.History().Store(ctx, store.Record{Doc: doc})
		require.NoError(t, err)
	}

	res, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-03T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RepairedHistory)

	records, err := db.History().LookupByHistoryKey(ctx, res.HistoryKey)
	require.NoError(t, err)
	require.Len(t, records, 1)

	title, _ := unwrapField(t, res.Current.Doc, "title")
	assert.Equal(t, "Alpha", title)
}

func TestIngestCurrentRepair(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()

	for _, system := range []string{"sA", "sB"} {
		doc, err := annotator.Annotate(rawBook(system, "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
			"title": "Alpha",
		}))
		require.NoError(t, err)
		_, err = db.Current().Store(ctx, store.Record{Doc: doc})
		require.NoError(t, err)
	}

	res, err := p.Ingest(ctx, payload(t, rawBook("sC", "2020-02-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha!",
	})))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RepairedCurrent)

	currents, err := db.Current().LookupByCurrentKey(ctx, res.CurrentKey)
	require.NoError(t, err)
	assert.Len(t, currents, 1)
}

func TestIngestOrderInvariant(t *testing.T) {
	docs := []document.Document{
		rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
			"title":  "Alpha",
			"extent": "192pp",
		}),
		rawBook("sB", "2020-02-01T00:00:00Z", "9780000000001", map[string]any{
			"title": "Alpha!",
		}),
		rawBook("sC", "2020-03-01T00:00:00Z", "9780000000001", map[string]any{
			"subtitle": "The Introduction",
		}),
	}

	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	var want document.Document
	for _, order := range orders {
		p, _ := newTestPipeline(t)
		ctx := context.Background()

		var res *Result
		for _, i := range order {
			var err error
			res, err = p.Ingest(ctx, payload(t, docs[i]))
			require.NoError(t, err)
		}

		if want == nil {
			want = res.Current.Doc
			display := document.Display(want)
			assert.Equal(t, "Alpha!", display["title"])
			assert.Equal(t, "192pp", display["extent"])
			assert.Equal(t, "The Introduction", display["subtitle"])
			continue
		}
		assert.True(t, document.Equal(want, res.Current.Doc), "order %v diverged", order)
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	noSource := rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", nil)
	delete(noSource, "source")
	noClassification := rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", nil)
	delete(noClassification, "classification")
	noSchema := rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", nil)
	delete(noSchema, "$schema")

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "malformed json", payload: []byte(`{"title":`), want: colerrors.ErrMalformedPayload},
		{name: "array payload", payload: []byte(`[1,2]`), want: colerrors.ErrMalformedPayload},
		{name: "missing source", payload: payload(t, noSource), want: colerrors.ErrMissingSource},
		{name: "missing classification", payload: payload(t, noClassification), want: colerrors.ErrMissingClassification},
		{name: "missing schema", payload: payload(t, noSchema), want: colerrors.ErrMissingSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Ingest(ctx, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, colerrors.IsPermanent(err))
		})
	}
}

func TestIngestNotifiesAfterReplace(t *testing.T) {
	notifier := &recordingNotifier{}
	p, _ := newTestPipeline(t, WithNotifier(notifier))
	ctx := context.Background()

	res, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)

	require.Len(t, notifier.records, 1)
	assert.Equal(t, res.Current.ID, notifier.records[0].ID)
}

func TestIngestNotifierFailureNotFatal(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("index down")}
	p, _ := newTestPipeline(t, WithNotifier(notifier))
	ctx := context.Background()

	res, err := p.Ingest(ctx, payload(t, rawBook("sA", "2020-01-01T00:00:00Z", "9780000000001", map[string]any{
		"title": "Alpha",
	})))
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Len(t, notifier.records, 1)
}

func TestMultiNotifier(t *testing.T) {
	healthy := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("index down")}
	also := &recordingNotifier{}
	multi := MultiNotifier{healthy, broken, also}

	err := multi.CurrentReplaced(context.Background(), store.Record{ID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index down")

	// Every notifier is invoked even when one fails.
	assert.Len(t, healthy.records, 1)
	assert.Len(t, broken.records, 1)
	assert.Len(t, also.records, 1)

	assert.NoError(t, MultiNotifier{healthy, also}.CurrentReplaced(context.Background(), store.Record{ID: "r2"}))
	assert.NoError(t, MultiNotifier{}.CurrentReplaced(context.Background(), store.Record{ID: "r3"}))
}
