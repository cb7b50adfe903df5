// Package persistence defines the storage contract retention depends on
// (documents, index entries, and three global i64 cells) and a SQLite
// implementation of it, following the shape of the teacher's
// internal/storage/convex package but scoped to what retention needs:
// revision streaming, previous-revision lookup, index-entry existence
// checks, and bulk index-entry deletion.
package persistence

import (
	"context"
	"encoding/json"

	"github.com/sfncore/convex-retention/internal/types"
)

// DocumentRevision is one version of a document in the temporal log.
type DocumentRevision struct {
	TableID string
	ID      string
	TS      types.TS
	Value   json.RawMessage
	Deleted bool
	PrevTS  types.TS
	HasPrev bool
}

// DocRef names one (id, ts) pair whose predecessor is being looked up.
type DocRef struct {
	ID string
	TS types.TS
}

// PreviousRevision is the result of a previous-revision lookup for one
// DocRef. HasPrev is false if the referenced revision had no predecessor
// (a fresh create). Inconsistent is true if a predecessor pointer exists
// but the pointed-to row is itself a tombstone — the "tombstone
// referenced by a later revision" case spec §4.4.1.d calls out as a
// non-fatal inconsistency to report and skip.
type PreviousRevision struct {
	Ref          DocRef
	HasPrev      bool
	Inconsistent bool
	Prev         DocumentRevision
}

// IndexWrite is an index entry as written by the application write path:
// it carries the document it points to, in addition to the fields the
// deleter's candidate IndexEntry needs.
type IndexWrite struct {
	types.IndexEntry
	TableID    string
	DocumentID string
}

// Persistence is the write-capable store retention reads from and
// deletes index entries through.
type Persistence interface {
	// Reader returns a read-only view, safe for concurrent use.
	Reader() Reader

	// Write atomically appends document revisions and index entries.
	// Exposed for test fixtures and for the application write path that
	// maintains the index metadata table; retention itself never calls
	// Write on documents, only IndexEntriesToDelete/DeleteIndexEntries.
	Write(ctx context.Context, documents []DocumentRevision, indexes []IndexWrite) error

	// WriteGlobal sets one of the three retention global cells.
	WriteGlobal(ctx context.Context, key types.PersistenceGlobalKey, value types.TS) error

	// GetGlobal reads one of the three retention global cells. ok is
	// false if the key has never been written.
	GetGlobal(ctx context.Context, key types.PersistenceGlobalKey) (ts types.TS, ok bool, err error)

	// IndexEntriesToDelete returns the subset of candidates that actually
	// exist in storage. Persistence is the source of truth for existence;
	// the deleter's discovery pipeline only computes candidates.
	IndexEntriesToDelete(ctx context.Context, candidates []types.IndexEntry) ([]types.IndexEntry, error)

	// DeleteIndexEntries deletes the given (already-confirmed-existing)
	// entries and returns the count actually removed.
	DeleteIndexEntries(ctx context.Context, entries []types.IndexEntry) (int, error)

	Close() error
}

// Reader provides read-only operations, safe for concurrent callers.
type Reader interface {
	// StreamRevisions fetches all document revisions in tableID whose
	// timestamp lies in tsRange, ordered as requested, in pages of
	// pageSize, invoking fn once per page until the range is exhausted
	// or fn returns an error. This is the "document-stream" collaborator
	// capability of spec §6; the caller (retention) is responsible for
	// validating tsRange.End against a RetentionValidator first.
	StreamRevisions(ctx context.Context, tableID string, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]DocumentRevision) error) error

	// StreamAllRevisions is the same capability without a table filter,
	// scanning the whole revision log in timestamp order. The expired-
	// entry discovery pipeline uses this, since a single chunk of
	// revisions may span every table that has indexes.
	StreamAllRevisions(ctx context.Context, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]DocumentRevision) error) error

	// PreviousRevisions resolves, for each ref, the revision immediately
	// preceding it for the same (tableID, id).
	PreviousRevisions(ctx context.Context, tableID string, refs []DocRef) ([]PreviousRevision, error)

	// IndexScan scans an index within interval at the given repeatable
	// timestamp, returning the latest live document behind each matching
	// key, ordered by key.
	IndexScan(ctx context.Context, indexID string, interval types.Interval, readTS types.TS, order types.Order, limit int) ([]IndexScanResult, error)

	// MaxTimestamp returns the highest timestamp ever written, or
	// types.TSMin if the store is empty.
	MaxTimestamp(ctx context.Context) (types.TS, error)
}

// IndexScanResult is one row of an index scan: the matching key together
// with the live document it points to.
type IndexScanResult struct {
	Key        []byte
	DocumentID string
	Document   DocumentRevision
}

// IndexMetadataTable is the reserved logical table name the Index-Set
// Accumulator streams from; rows encode types.IndexDescriptor as JSON.
const IndexMetadataTable = "index_metadata"
