// Package api exposes the HTTP query and reindex surface.
//
// Reads serve the stored documents: current by entity id, the revisions
// view, and forwarded index searches. Writes are limited to reindex
// triggers. Entity ids in paths must be UUIDs; everything else is 400.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/indexer"
	"github.com/inkhouse/collate/logging"
	"github.com/inkhouse/collate/revisions"
	"github.com/inkhouse/collate/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSearchCount is the search page size when count is not given.
const DefaultSearchCount = 25

// Bridge is the slice of the index bridge the API drives.
type Bridge interface {
	PushEntity(ctx context.Context, entityID, schema string) error
	Search(ctx context.Context, query string, offset, count int) (indexer.SearchResult, error)
	ReindexCurrent(ctx context.Context) (int, error)
	ReindexHistory(ctx context.Context) (int, error)
}

// Option configures a Server.
type Option func(*Server)

// WithTimeout bounds each request's store and index work.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchemas sets the schema ids behind /books and /contributors.
func WithSchemas(book, contributor string) Option {
	return func(s *Server) {
		if book != "" {
			s.bookSchema = book
		}
		if contributor != "" {
			s.contributorSchema = contributor
		}
	}
}

// Server handles the HTTP surface over the stores and the index bridge.
type Server struct {
	current           store.CurrentStore
	history           store.HistoryStore
	bridge            Bridge
	logger            logging.Logger
	timeout           time.Duration
	bookSchema        string
	contributorSchema string
}

// NewServer builds a Server over the two stores and the bridge.
func NewServer(current store.CurrentStore, history store.HistoryStore, bridge Bridge, opts ...Option) *Server {
	s := &Server{
		current:           current,
		history:           history,
		bridge:            bridge,
		logger:            logging.NopLogger{},
		bookSchema:        "book.v2",
		contributorSchema: "contributor.v2",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(responseHeaders)

	for prefix, schema := range map[string]string{
		"books":        s.bookSchema,
		"contributors": s.contributorSchema,
	} {
		r.HandleFunc("/"+prefix+"/{id}", s.getCurrent(schema)).Methods(http.MethodGet)
		r.HandleFunc("/"+prefix+"/{id}/history", s.getHistory(schema)).Methods(http.MethodGet)
		r.HandleFunc("/"+prefix+"/{id}/reindex", s.reindexEntity(schema)).Methods(http.MethodPut)
	}
	r.HandleFunc("/search", s.search).Methods(http.MethodGet)
	r.HandleFunc("/search/reindex/current", s.reindexAll("current", s.bridge.ReindexCurrent)).Methods(http.MethodPut)
	r.HandleFunc("/search/reindex/history", s.reindexAll("history", s.bridge.ReindexHistory)).Methods(http.MethodPut)
	return r
}

func responseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Vary", "Accept, Accept-Encoding")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getCurrent(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := s.opCtx(r.Context())
		defer cancel()

		rec, err := s.current.GetByID(ctx, id, schema)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec.Doc)
	}
}

func (s *Server) getHistory(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := s.opCtx(r.Context())
		defer cancel()

		records, err := s.history.GetHistoryByEntityID(ctx, id, schema)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(records) == 0 {
			s.writeErrorBody(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no history for %s", id))
			return
		}

		docs := make([]document.Document, len(records))
		for i, rec := range records {
			docs[i] = rec.Doc
		}
		revs, err := revisions.Build(docs)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, revs)
	}
}

func (s *Server) reindexEntity(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := s.opCtx(r.Context())
		defer cancel()

		if err := s.bridge.PushEntity(ctx, id, schema); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, statusBody{Status: "reindexed"})
	}
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeErrorBody(w, http.StatusBadRequest, "InvalidQuery", "q is required")
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeErrorBody(w, http.StatusBadRequest, "InvalidQuery", err.Error())
		return
	}
	count, err := intParam(r, "count", DefaultSearchCount)
	if err != nil {
		s.writeErrorBody(w, http.StatusBadRequest, "InvalidQuery", err.Error())
		return
	}

	ctx, cancel := s.opCtx(r.Context())
	defer cancel()

	res, err := s.bridge.Search(ctx, query, offset, count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// reindexAll answers 202 and runs the rebuild detached from the request.
func (s *Server) reindexAll(target string, run func(context.Context) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			if _, err := run(context.Background()); err != nil {
				s.logger.Error("background reindex failed", "target", target, "error", err)
			}
		}()
		s.writeJSON(w, http.StatusAccepted, statusBody{Status: "accepted"})
	}
}

type statusBody struct {
	Status string `json:"status"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["id"]
	if _, err := uuid.Parse(raw); err != nil {
		s.writeErrorBody(w, http.StatusBadRequest, "InvalidUUID", fmt.Sprintf("%q is not a valid uuid", raw))
		return "", false
	}
	return raw, true
}

func (s *Server) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, colerrors.ErrNotFound) {
		s.writeErrorBody(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}
	s.logger.Error("request failed", "error", err)
	s.writeErrorBody(w, http.StatusInternalServerError, "Internal", "internal error")
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}
