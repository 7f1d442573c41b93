// Package memory provides the canonical in-memory Backend implementation.
// The sqlite and postgres drivers mirror its semantics; tests treat it as
// the reference backing store.
package memory

import (
	"context"
	"sort"
	"sync"

	"corestore/internal/match"
	"corestore/pkg/domain"
)

// Store is an in-memory backing store of JSON-shaped documents grouped by
// collection name.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]domain.Document
	logs        map[string][]domain.LogRecord
	sequences   map[string]int64
}

var _ domain.Backend = (*Store)(nil)

// NewStore constructs an empty in-memory backing store.
func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string]domain.Document),
		logs:        make(map[string][]domain.LogRecord),
		sequences:   make(map[string]int64),
	}
}

// Get returns the first document matching the filter, or nil.
func (s *Store) Get(ctx context.Context, collection string, filter domain.Filter) (domain.Document, error) {
	if id, ok := idOnlyFilter(filter); ok {
		s.mu.RLock()
		defer s.mu.RUnlock()
		doc, ok := s.collections[collection][id]
		if !ok {
			return nil, nil
		}
		return doc.Clone(), nil
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

// Find returns every document matching the filter, ordered by id for
// deterministic results.
func (s *Store) Find(_ context.Context, collection string, filter domain.Filter) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.collections[collection]))
	for id := range s.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []domain.Document
	for _, id := range ids {
		doc := s.collections[collection][id]
		ok, err := match.Document(filter, doc, match.Env{})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// Insert stores a new document, failing when the id already exists.
func (s *Store) Insert(_ context.Context, collection string, doc domain.Document) error {
	id := doc.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]domain.Document)
		s.collections[collection] = col
	}
	if _, exists := col[id]; exists {
		return domain.ErrAlreadyExists{Store: collection, ID: id}
	}
	col[id] = doc.Clone()
	return nil
}

// Replace overwrites a document, gated on the stored version when
// expectedVersion is non-zero.
func (s *Store) Replace(_ context.Context, collection string, id string, expectedVersion int64, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collection]
	current, ok := col[id]
	if !ok {
		return domain.ErrNotFound{Store: collection, ID: id}
	}
	if expectedVersion != 0 && current.Version() != expectedVersion {
		return domain.ErrVersionConflict{Store: collection, ID: id, Expected: expectedVersion}
	}
	col[id] = doc.Clone()
	return nil
}

// Delete removes a document by id.
func (s *Store) Delete(_ context.Context, collection string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collection]
	if _, ok := col[id]; !ok {
		return domain.ErrNotFound{Store: collection, ID: id}
	}
	delete(col, id)
	return nil
}

// AppendLog appends an audit record.
func (s *Store) AppendLog(_ context.Context, collection string, rec domain.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[collection] = append(s.logs[collection], rec)
	return nil
}

// ScanLog returns up to limit records for the item with PrevVer below
// beforeVer, ordered by descending PrevVer.
func (s *Store) ScanLog(_ context.Context, collection string, itemID string, beforeVer int64, limit int) ([]domain.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LogRecord
	for _, rec := range s.logs[collection] {
		if rec.ItemID == itemID && rec.PrevVer < beforeVer {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrevVer > out[j].PrevVer })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NextSequence atomically increments and returns the named counter.
func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[name]++
	return s.sequences[name], nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error { return nil }

// idOnlyFilter reports whether the filter is a bare id equality lookup.
func idOnlyFilter(filter domain.Filter) (string, bool) {
	if len(filter) != 1 {
		return "", false
	}
	id, ok := filter[domain.FieldID].(string)
	return id, ok
}
