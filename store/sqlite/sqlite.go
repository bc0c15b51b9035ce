// Package sqlite backs the history and current stores with a single SQLite
// database.
//
// Each store is a pair of tables: one holding whole documents keyed by the
// store's lookup key, one mapping entity ids to records for id-based
// retrieval. Replacement uses optimistic versioning: an UPDATE guarded by
// the expected version, reporting ErrStoreConflict when no row matches.
package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/inkhouse/collate/colerrors"
	"github.com/inkhouse/collate/document"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS history_docs (
	id          TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	schema      TEXT NOT NULL,
	history_key TEXT NOT NULL,
	entity_key  TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS history_docs_history_key ON history_docs (history_key);
CREATE INDEX IF NOT EXISTS history_docs_entity_key ON history_docs (entity_key);

CREATE TABLE IF NOT EXISTS history_entity_ids (
	record_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	PRIMARY KEY (record_id, entity_id)
);
CREATE INDEX IF NOT EXISTS history_entity_ids_entity ON history_entity_ids (entity_id);

CREATE TABLE IF NOT EXISTS current_docs (
	id          TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	schema      TEXT NOT NULL,
	current_key TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS current_docs_current_key ON current_docs (current_key);

CREATE TABLE IF NOT EXISTS current_entity_ids (
	record_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	PRIMARY KEY (record_id, entity_id)
);
CREATE INDEX IF NOT EXISTS current_entity_ids_entity ON current_entity_ids (entity_id);
`

// DB owns the SQLite connection shared by both stores.
type DB struct {
	db        *sqlx.DB
	extractor *identity.Extractor
}

// Open opens (creating if needed) the database at path and ensures the
// schema. The extractor derives the keys recorded alongside each document.
func Open(path string, extractor *identity.Extractor) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store at %q: %w", path, err)
	}
	// SQLite allows one writer; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring store schema: %w", err)
	}
	if extractor == nil {
		extractor = identity.NewExtractor(nil)
	}
	return &DB{db: db, extractor: extractor}, nil
}

// Close releases the connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// History returns the history store view of the database.
func (d *DB) History() *History {
	return &History{base{db: d.db, extractor: d.extractor}}
}

// Current returns the current store view of the database.
func (d *DB) Current() *Current {
	return &Current{base{db: d.db, extractor: d.extractor}}
}

type base struct {
	db        *sqlx.DB
	extractor *identity.Extractor
}

type docRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Body    string `db:"body"`
}

func (b *base) records(ctx context.Context, op, query string, args ...any) ([]store.Record, error) {
	var rows []docRow
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &colerrors.StoreError{Op: op, Cause: err}
	}
	records := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		doc, err := document.Parse([]byte(row.Body))
		if err != nil {
			return nil, &colerrors.StoreError{
				Op:    op,
				Cause: fmt.Errorf("record %s holds an unreadable document: %w", row.ID, err),
			}
		}
		records = append(records, store.Record{ID: row.ID, Version: row.Version, Doc: doc})
	}
	return records, nil
}

func (b *base) deleteMany(ctx context.Context, docsTable, idsTable string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return &colerrors.StoreError{Op: "delete", Cause: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM ` + docsTable + ` WHERE id IN (?)`,
		`DELETE FROM ` + idsTable + ` WHERE record_id IN (?)`,
	} {
		query, args, err := sqlx.In(stmt, ids)
		if err != nil {
			return &colerrors.StoreError{Op: "delete", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return &colerrors.StoreError{Op: "delete", Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &colerrors.StoreError{Op: "delete", Cause: err}
	}
	return nil
}

func (b *base) scan(ctx context.Context, table string, chunkSize int, fn func([]store.Record) error) error {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	last := ""
	for {
		records, err := b.records(ctx, "scan",
			`SELECT id, version, body FROM `+table+` WHERE id > ? ORDER BY id LIMIT ?`,
			last, chunkSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := fn(records); err != nil {
			return err
		}
		last = records[len(records)-1].ID
		if len(records) < chunkSize {
			return nil
		}
	}
}

// keyColumn pairs a lookup key column with its value for one record.
type keyColumn struct {
	name  string
	value string
}

// upsert writes one record inside a transaction, inserting on empty id and
// replacing under the version guard otherwise. It refreshes the entity id
// mapping for the record. keys must name every key column of docsTable, the
// store's primary lookup key first.
func (b *base) upsert(ctx context.Context, docsTable, idsTable, schema string, keys []keyColumn, entityIDs []string, rec store.Record) (store.Record, error) {
	body, err := document.Canonical(rec.Doc)
	if err != nil {
		return store.Record{}, err
	}
	key := keys[0].value

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
	}
	defer tx.Rollback()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.Version = 1
		columns := "id, version, schema, body"
		placeholders := "?, ?, ?, ?"
		args := []any{rec.ID, rec.Version, schema, string(body)}
		for _, kc := range keys {
			columns += ", " + kc.name
			placeholders += ", ?"
			args = append(args, kc.value)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+docsTable+` (`+columns+`) VALUES (`+placeholders+`)`,
			args...)
		if err != nil {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
		}
	} else {
		set := "version = ?, schema = ?, body = ?"
		args := []any{rec.Version + 1, schema, string(body)}
		for _, kc := range keys {
			set += ", " + kc.name + " = ?"
			args = append(args, kc.value)
		}
		args = append(args, rec.ID, rec.Version)
		res, err := tx.ExecContext(ctx,
			`UPDATE `+docsTable+` SET `+set+` WHERE id = ? AND version = ?`,
			args...)
		if err != nil {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
		}
		if affected == 0 {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Conflict: true}
		}
		rec.Version++
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+idsTable+` WHERE record_id = ?`, rec.ID); err != nil {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
		}
	}

	for _, entityID := range entityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+idsTable+` (record_id, entity_id) VALUES (?, ?)`,
			rec.ID, entityID); err != nil {
			return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Record{}, &colerrors.StoreError{Op: "store", Key: key, Cause: err}
	}
	return rec, nil
}

// History is the SQLite implementation of store.HistoryStore.
type History struct {
	base
}

var _ store.HistoryStore = (*History)(nil)

func (h *History) LookupByHistoryKey(ctx context.Context, key string) ([]store.Record, error) {
	return h.records(ctx, "lookup",
		`SELECT id, version, body FROM history_docs WHERE history_key = ? ORDER BY id`, key)
}

func (h *History) FetchByEntity(ctx context.Context, schema string, classification any) ([]store.Record, error) {
	entityKey, err := document.CanonicalString(map[string]any{
		"schema":         schema,
		"classification": classification,
	})
	if err != nil {
		return nil, err
	}
	return h.records(ctx, "fetch",
		`SELECT id, version, body FROM history_docs WHERE entity_key = ? ORDER BY id`, entityKey)
}

func (h *History) Store(ctx context.Context, rec store.Record) (store.Record, error) {
	keys, err := h.extractor.Keys(rec.Doc)
	if err != nil {
		return store.Record{}, err
	}
	// The entity key mirrors FetchByEntity's derivation: {schema, classification}.
	return h.upsert(ctx, "history_docs", "history_entity_ids", keys.Schema,
		[]keyColumn{
			{name: "history_key", value: keys.HistoryKey},
			{name: "entity_key", value: keys.CurrentKey},
		}, keys.EntityIDs, rec)
}

func (h *History) DeleteMany(ctx context.Context, ids []string) error {
	return h.deleteMany(ctx, "history_docs", "history_entity_ids", ids)
}

func (h *History) GetHistoryByEntityID(ctx context.Context, entityID, schema string) ([]store.Record, error) {
	return h.records(ctx, "history",
		`SELECT d.id, d.version, d.body FROM history_docs d
		 JOIN history_entity_ids e ON e.record_id = d.id
		 WHERE e.entity_id = ? AND d.schema = ? ORDER BY d.id`,
		entityID, schema)
}

func (h *History) Scan(ctx context.Context, chunkSize int, fn func([]store.Record) error) error {
	return h.scan(ctx, "history_docs", chunkSize, fn)
}

// Current is the SQLite implementation of store.CurrentStore.
type Current struct {
	base
}

var _ store.CurrentStore = (*Current)(nil)

func (c *Current) LookupByCurrentKey(ctx context.Context, key string) ([]store.Record, error) {
	return c.records(ctx, "lookup",
		`SELECT id, version, body FROM current_docs WHERE current_key = ? ORDER BY id`, key)
}

func (c *Current) GetByID(ctx context.Context, entityID, schema string) (store.Record, error) {
	records, err := c.records(ctx, "get",
		`SELECT d.id, d.version, d.body FROM current_docs d
		 JOIN current_entity_ids e ON e.record_id = d.id
		 WHERE e.entity_id = ? AND d.schema = ? ORDER BY d.id LIMIT 1`,
		entityID, schema)
	if err != nil {
		return store.Record{}, err
	}
	if len(records) == 0 {
		return store.Record{}, fmt.Errorf("entity %q (%s): %w", entityID, schema, colerrors.ErrNotFound)
	}
	return records[0], nil
}

func (c *Current) Store(ctx context.Context, rec store.Record) (store.Record, error) {
	// Merged documents carry many stamps, so only entity keys apply here.
	keys, err := c.extractor.Entity(rec.Doc)
	if err != nil {
		return store.Record{}, err
	}
	return c.upsert(ctx, "current_docs", "current_entity_ids", keys.Schema,
		[]keyColumn{{name: "current_key", value: keys.CurrentKey}}, keys.EntityIDs, rec)
}

func (c *Current) DeleteMany(ctx context.Context, ids []string) error {
	return c.deleteMany(ctx, "current_docs", "current_entity_ids", ids)
}

func (c *Current) Scan(ctx context.Context, chunkSize int, fn func([]store.Record) error) error {
	return c.scan(ctx, "current_docs", chunkSize, fn)
}
