// Package elastic implements the search index over Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/indexer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to one Elasticsearch index.
type Client struct {
	es    *elasticsearch.Client
	index string
}

var _ indexer.Index = (*Client)(nil)

// New builds a Client for the named index on the given node addresses.
func New(addresses []string, index string) (*Client, error) {
	return NewWithTransport(addresses, index, nil)
}

// NewWithTransport is New with a custom HTTP transport.
func NewWithTransport(addresses []string, index string, transport http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("building elasticsearch client: %w", err)
	}
	return &Client{es: es, index: index}, nil
}

// Put indexes doc under id, replacing any previous version.
func (c *Client) Put(ctx context.Context, id string, doc document.Document) error {
	body, err := document.Canonical(doc)
	if err != nil {
		return &colerrors.IndexError{Op: "put", ID: id, Cause: err}
	}
	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return &colerrors.IndexError{Op: "put", ID: id, Cause: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return &colerrors.IndexError{Op: "put", ID: id, Cause: fmt.Errorf("index returned %s", res.Status())}
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

// Search runs a query_string search with from/size paging.
func (c *Client) Search(ctx context.Context, query string, offset, count int) (indexer.SearchResult, error) {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"query_string": map[string]any{"query": query},
		},
		"from":             offset,
		"size":             count,
		"track_total_hits": true,
	})
	if err != nil {
		return indexer.SearchResult{}, &colerrors.IndexError{Op: "search", Cause: err}
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return indexer.SearchResult{}, &colerrors.IndexError{Op: "search", Cause: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return indexer.SearchResult{}, &colerrors.IndexError{Op: "search", Cause: fmt.Errorf("index returned %s", res.Status())}
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source jsoniter.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return indexer.SearchResult{}, &colerrors.IndexError{Op: "search", Cause: err}
	}

	result := indexer.SearchResult{Hits: make([]document.Document, 0, len(parsed.Hits.Hits))}
	for _, hit := range parsed.Hits.Hits {
		doc, err := document.Parse(hit.Source)
		if err != nil {
			return indexer.SearchResult{}, &colerrors.IndexError{Op: "search", Cause: err}
		}
		result.Hits = append(result.Hits, doc)
	}
	result.LastPage = offset+len(result.Hits) >= parsed.Hits.Total.Value
	return result, nil
}
