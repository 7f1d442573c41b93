package domain

import "context"

// Collection naming for the persisted layout: one live collection per store,
// a shadow collection for soft-deleted documents, an append-only log
// collection, and a shared sequence collection.
const (
	ShadowSuffix        = "_deleted"
	LogSuffix           = "_log"
	SequencesCollection = "_sequences"
)

// ShadowCollection returns the shadow collection name for a store.
func ShadowCollection(store string) string { return store + ShadowSuffix }

// LogCollection returns the audit log collection name for a store.
func LogCollection(store string) string { return store + LogSuffix }

// Backend is the minimal contract the document store requires of a backing
// store. Collections are opaque names; documents are keyed by _id with the
// reserved __v version field.
type Backend interface {
	// Get returns the first document matching the filter, or nil when
	// nothing matches.
	Get(ctx context.Context, collection string, filter Filter) (Document, error)

	// Find returns every document matching the filter.
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)

	// Insert stores a new document. It fails with ErrAlreadyExists when the
	// id is already present.
	Insert(ctx context.Context, collection string, doc Document) error

	// Replace overwrites the document with the given id. When
	// expectedVersion is non-zero the replace is a compare-and-swap gated
	// on the stored __v and fails with ErrVersionConflict on mismatch.
	Replace(ctx context.Context, collection string, id string, expectedVersion int64, doc Document) error

	// Delete removes the document with the given id. Missing documents are
	// reported with ErrNotFound.
	Delete(ctx context.Context, collection string, id string) error

	// AppendLog appends an immutable audit record.
	AppendLog(ctx context.Context, collection string, rec LogRecord) error

	// ScanLog returns up to limit records for itemID with PrevVer below
	// beforeVer, ordered by descending PrevVer.
	ScanLog(ctx context.Context, collection string, itemID string, beforeVer int64, limit int) ([]LogRecord, error)

	// NextSequence atomically increments and returns the named counter from
	// the _sequences collection.
	NextSequence(ctx context.Context, name string) (int64, error)

	Close() error
}
