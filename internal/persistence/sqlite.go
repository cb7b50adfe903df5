package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	// Import the WASM-based SQLite driver, the same one the teacher uses.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sfncore/convex-retention/internal/types"
)

// SQLitePersistence implements Persistence over an embedded SQLite file,
// adapted from internal/storage/convex/sqlite.go.
type SQLitePersistence struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite-backed persistence store at path.
func Open(ctx context.Context, path string) (*SQLitePersistence, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &SQLitePersistence{db: db}, nil
}

func (p *SQLitePersistence) Reader() Reader { return &sqliteReader{p: p} }

func (p *SQLitePersistence) Write(ctx context.Context, documents []DocumentRevision, indexes []IndexWrite) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if len(documents) > 0 {
		docStmt, err := tx.PrepareContext(ctx, insertDocumentQuery)
		if err != nil {
			return fmt.Errorf("preparing document insert: %w", err)
		}
		defer docStmt.Close()

		for _, doc := range documents {
			var jsonValue interface{}
			if doc.Value != nil {
				jsonValue = string(doc.Value)
			}
			var prevTS interface{}
			if doc.HasPrev {
				prevTS = int64(doc.PrevTS)
			}
			deletedInt := boolToInt(doc.Deleted)
			hasPrevInt := boolToInt(doc.HasPrev)
			if _, err := docStmt.ExecContext(ctx, doc.TableID, doc.ID, int64(doc.TS), jsonValue, deletedInt, prevTS, hasPrevInt); err != nil {
				return fmt.Errorf("inserting document %s/%s: %w", doc.TableID, doc.ID, err)
			}
		}
	}

	if len(indexes) > 0 {
		idxStmt, err := tx.PrepareContext(ctx, insertIndexEntryQuery)
		if err != nil {
			return fmt.Errorf("preparing index insert: %w", err)
		}
		defer idxStmt.Close()

		for _, idx := range indexes {
			if _, err := idxStmt.ExecContext(ctx, idx.IndexID, idx.KeySHA256[:], idx.Key.Prefix, idx.Key.Suffix, int64(idx.TS), boolToInt(idx.Deleted), idx.TableID, idx.DocumentID); err != nil {
				return fmt.Errorf("inserting index entry %s: %w", idx.IndexID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *SQLitePersistence) WriteGlobal(ctx context.Context, key types.PersistenceGlobalKey, value types.TS) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.db.ExecContext(ctx, setGlobalQuery, string(key), int64(value)); err != nil {
		return fmt.Errorf("writing global %s: %w", key, err)
	}
	return nil
}

func (p *SQLitePersistence) GetGlobal(ctx context.Context, key types.PersistenceGlobalKey) (types.TS, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var value int64
	err := p.db.QueryRowContext(ctx, getGlobalQuery, string(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return types.TSMin, false, nil
	}
	if err != nil {
		return types.TSMin, false, fmt.Errorf("reading global %s: %w", key, err)
	}
	return types.TS(value), true, nil
}

func (p *SQLitePersistence) IndexEntriesToDelete(ctx context.Context, candidates []types.IndexEntry) ([]types.IndexEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	existing := make([]types.IndexEntry, 0, len(candidates))
	for _, c := range candidates {
		var deletedInt int
		err := p.db.QueryRowContext(ctx, indexEntryExistsQuery, c.IndexID, c.KeySHA256[:], int64(c.TS)).Scan(&deletedInt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checking index entry existence: %w", err)
		}
		existing = append(existing, c)
	}
	return existing, nil
}

func (p *SQLitePersistence) DeleteIndexEntries(ctx context.Context, entries []types.IndexEntry) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, deleteIndexEntryQuery)
	if err != nil {
		return 0, fmt.Errorf("preparing delete: %w", err)
	}
	defer stmt.Close()

	deleted := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.IndexID, e.KeySHA256[:], int64(e.TS))
		if err != nil {
			return 0, fmt.Errorf("deleting index entry: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete transaction: %w", err)
	}
	return deleted, nil
}

func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}

type sqliteReader struct {
	p *SQLitePersistence
}

func (r *sqliteReader) StreamRevisions(ctx context.Context, tableID string, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]DocumentRevision) error) error {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	if pageSize <= 0 {
		pageSize = 256
	}

	query := fmt.Sprintf(streamRevisionsQueryTemplate, order.String())
	offset := 0
	for {
		rows, err := r.p.db.QueryContext(ctx, query, tableID, int64(tsRange.Start), int64(tsRange.End), pageSize, offset)
		if err != nil {
			return fmt.Errorf("querying revisions: %w", err)
		}

		page, err := scanRevisions(rows)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (r *sqliteReader) StreamAllRevisions(ctx context.Context, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]DocumentRevision) error) error {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	if pageSize <= 0 {
		pageSize = 256
	}

	query := fmt.Sprintf(streamAllRevisionsQueryTemplate, order.String())
	offset := 0
	for {
		rows, err := r.p.db.QueryContext(ctx, query, int64(tsRange.Start), int64(tsRange.End), pageSize, offset)
		if err != nil {
			return fmt.Errorf("querying revisions: %w", err)
		}

		page, err := scanRevisions(rows)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (r *sqliteReader) PreviousRevisions(ctx context.Context, tableID string, refs []DocRef) ([]PreviousRevision, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	results := make([]PreviousRevision, 0, len(refs))
	for _, ref := range refs {
		var prevTS sql.NullInt64
		var hasPrevInt int
		err := r.p.db.QueryRowContext(ctx, `SELECT prev_ts, has_prev FROM documents WHERE table_id = ? AND id = ? AND ts = ?`, tableID, ref.ID, int64(ref.TS)).Scan(&prevTS, &hasPrevInt)
		if err == sql.ErrNoRows {
			results = append(results, PreviousRevision{Ref: ref, HasPrev: false})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up revision %s@%d: %w", ref.ID, ref.TS, err)
		}
		if hasPrevInt == 0 || !prevTS.Valid {
			results = append(results, PreviousRevision{Ref: ref, HasPrev: false})
			continue
		}

		rows, err := r.p.db.QueryContext(ctx, revisionAtQuery, tableID, ref.ID, prevTS.Int64)
		if err != nil {
			return nil, fmt.Errorf("querying previous revision: %w", err)
		}
		prevRevs, err := scanRevisions(rows)
		if err != nil {
			return nil, err
		}
		if len(prevRevs) == 0 {
			// The pointer exists but the row is gone: treat as inconsistent
			// rather than silently dropping the predecessor.
			results = append(results, PreviousRevision{Ref: ref, HasPrev: true, Inconsistent: true})
			continue
		}
		prev := prevRevs[0]
		if prev.Deleted {
			results = append(results, PreviousRevision{Ref: ref, HasPrev: true, Inconsistent: true, Prev: prev})
			continue
		}
		results = append(results, PreviousRevision{Ref: ref, HasPrev: true, Prev: prev})
	}
	return results, nil
}

func (r *sqliteReader) IndexScan(ctx context.Context, indexID string, interval types.Interval, readTS types.TS, order types.Order, limit int) ([]IndexScanResult, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	sqlLimit := int64(limit)
	if limit <= 0 || interval.Start != nil || interval.End != nil {
		// SQLite treats a negative LIMIT as unbounded; limit<=0 here means
		// "no limit", matching the memtest fixture's behavior. A bounded
		// interval is applied to the joined key below, so the limit is
		// applied there as well.
		sqlLimit = -1
	}
	query := fmt.Sprintf(indexScanQueryTemplate, order.String(), order.String())
	rows, err := r.p.db.QueryContext(ctx, query, indexID, int64(readTS), int64(readTS), sqlLimit)
	if err != nil {
		return nil, fmt.Errorf("scanning index %s: %w", indexID, err)
	}
	defer rows.Close()

	var results []IndexScanResult
	for rows.Next() {
		var keyPrefix, keySuffix []byte
		var docID string
		var doc DocumentRevision
		var ts, deletedInt, hasPrevInt int64
		var jsonValue sql.NullString
		var prevTS sql.NullInt64

		if err := rows.Scan(&keyPrefix, &keySuffix, &docID, &doc.TableID, &doc.ID, &ts, &jsonValue, &deletedInt, &prevTS, &hasPrevInt); err != nil {
			return nil, fmt.Errorf("scanning index result: %w", err)
		}
		doc.TS = types.TS(ts)
		doc.Deleted = deletedInt == 1
		if jsonValue.Valid {
			doc.Value = json.RawMessage(jsonValue.String)
		}
		if prevTS.Valid {
			doc.PrevTS = types.TS(prevTS.Int64)
			doc.HasPrev = hasPrevInt == 1
		}

		key := types.SplitKey{Prefix: keyPrefix, Suffix: keySuffix}.Join()
		if interval.Start != nil && bytes.Compare(key, interval.Start) < 0 {
			continue
		}
		if interval.End != nil && bytes.Compare(key, interval.End) >= 0 {
			continue
		}
		results = append(results, IndexScanResult{Key: key, DocumentID: docID, Document: doc})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index results: %w", err)
	}
	return results, nil
}

func (r *sqliteReader) MaxTimestamp(ctx context.Context) (types.TS, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var ts int64
	if err := r.p.db.QueryRowContext(ctx, maxTimestampQuery).Scan(&ts); err != nil {
		return types.TSMin, fmt.Errorf("querying max timestamp: %w", err)
	}
	return types.TS(ts), nil
}

func scanRevisions(rows *sql.Rows) ([]DocumentRevision, error) {
	defer rows.Close()
	var page []DocumentRevision
	for rows.Next() {
		var doc DocumentRevision
		var ts, deletedInt, hasPrevInt int64
		var jsonValue sql.NullString
		var prevTS sql.NullInt64

		if err := rows.Scan(&doc.TableID, &doc.ID, &ts, &jsonValue, &deletedInt, &prevTS, &hasPrevInt); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		doc.TS = types.TS(ts)
		doc.Deleted = deletedInt == 1
		if jsonValue.Valid {
			doc.Value = json.RawMessage(jsonValue.String)
		}
		if prevTS.Valid {
			doc.PrevTS = types.TS(prevTS.Int64)
			doc.HasPrev = hasPrevInt == 1
		}
		page = append(page, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating revisions: %w", err)
	}
	return page, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Persistence = (*SQLitePersistence)(nil)
var _ Reader = (*sqliteReader)(nil)
