// Package sqlite provides a SQLite-backed Backend. Documents are stored as
// JSON payloads in one table per collection; filtering runs in Go through
// the shared matcher so the filter language stays identical across drivers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"corestore/internal/match"
	"corestore/pkg/domain"
)

// DefaultPath is the database file used when none is configured.
const DefaultPath = "corestore.db"

var collectionName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Store persists documents to a SQLite database file.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

var _ domain.Backend = (*Store)(nil)

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized access; the service already holds a per-id lock and the
	// driver is not tuned for writer concurrency.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, tables: make(map[string]bool)}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create sequences table: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureTable(ctx context.Context, collection string, log bool) (string, error) {
	if !collectionName.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[collection] {
		return collection, nil
	}
	var ddl string
	if log {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			prev_ver INTEGER NOT NULL,
			payload TEXT NOT NULL
		); CREATE INDEX IF NOT EXISTS %q ON %q (item_id, prev_ver)`,
			collection, collection+"_item_idx", collection)
	} else {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`, collection)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("create table %s: %w", collection, err)
	}
	s.tables[collection] = true
	return collection, nil
}

// Get returns the first document matching the filter, or nil.
func (s *Store) Get(ctx context.Context, collection string, filter domain.Filter) (domain.Document, error) {
	table, err := s.ensureTable(ctx, collection, false)
	if err != nil {
		return nil, err
	}
	if id, ok := idOnlyFilter(filter); ok {
		var payload []byte
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT payload FROM %q WHERE id = ?`, table), id).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return decodeDocument(payload)
	}
	docs, err := s.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Find scans the collection and filters in Go, ordered by id.
func (s *Store) Find(ctx context.Context, collection string, filter domain.Filter) ([]domain.Document, error) {
	table, err := s.ensureTable(ctx, collection, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %q ORDER BY id`, table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Document
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(payload)
		if err != nil {
			return nil, err
		}
		ok, err := match.Document(filter, doc, match.Env{})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

// Insert stores a new document, failing when the id already exists.
func (s *Store) Insert(ctx context.Context, collection string, doc domain.Document) error {
	table, err := s.ensureTable(ctx, collection, false)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (id, version, payload) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`, table),
		doc.ID(), doc.Version(), payload)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrAlreadyExists{Store: collection, ID: doc.ID()}
	}
	return nil
}

// Replace overwrites a document, gated on the stored version when
// expectedVersion is non-zero.
func (s *Store) Replace(ctx context.Context, collection string, id string, expectedVersion int64, doc domain.Document) error {
	table, err := s.ensureTable(ctx, collection, false)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %q SET version = ?, payload = ? WHERE id = ? AND (? = 0 OR version = ?)`, table),
		doc.Version(), payload, id, expectedVersion, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(1) FROM %q WHERE id = ?`, table), id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return domain.ErrNotFound{Store: collection, ID: id}
	}
	return domain.ErrVersionConflict{Store: collection, ID: id, Expected: expectedVersion}
}

// Delete removes a document by id.
func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	table, err := s.ensureTable(ctx, collection, false)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound{Store: collection, ID: id}
	}
	return nil
}

// AppendLog appends an audit record to the log table.
func (s *Store) AppendLog(ctx context.Context, collection string, rec domain.LogRecord) error {
	table, err := s.ensureTable(ctx, collection, true)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (id, item_id, prev_ver, payload) VALUES (?, ?, ?, ?)`, table),
		rec.ID, rec.ItemID, rec.PrevVer, payload)
	return err
}

// ScanLog returns up to limit records for the item with PrevVer below
// beforeVer, ordered by descending PrevVer.
func (s *Store) ScanLog(ctx context.Context, collection string, itemID string, beforeVer int64, limit int) ([]domain.LogRecord, error) {
	table, err := s.ensureTable(ctx, collection, true)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %q WHERE item_id = ? AND prev_ver < ? ORDER BY prev_ver DESC`, table)
	args := []any{itemID, beforeVer}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.LogRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec domain.LogRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NextSequence atomically increments and returns the named counter.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&value)
	return value, err
}

func decodeDocument(payload []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func idOnlyFilter(filter domain.Filter) (string, bool) {
	if len(filter) != 1 {
		return "", false
	}
	id, ok := filter[domain.FieldID].(string)
	return id, ok
}
