// Package memtest provides an in-memory persistence.Persistence fixture
// for fast, file-free unit tests of the retention algorithms, built in
// the same spirit as the teacher's SQLite implementation but without a
// database underneath.
package memtest

import (
	"context"
	"sort"
	"sync"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/types"
)

type docKey struct {
	table string
	id    string
	ts    types.TS
}

type entryKey struct {
	indexID string
	sha     [32]byte
	ts      types.TS
}

// Store is the in-memory fixture.
type Store struct {
	mu      sync.RWMutex
	docs    map[docKey]persistence.DocumentRevision
	entries map[entryKey]persistence.IndexWrite
	globals map[types.PersistenceGlobalKey]types.TS
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs:    make(map[docKey]persistence.DocumentRevision),
		entries: make(map[entryKey]persistence.IndexWrite),
		globals: make(map[types.PersistenceGlobalKey]types.TS),
	}
}

func (s *Store) Reader() persistence.Reader { return s }

func (s *Store) Write(_ context.Context, documents []persistence.DocumentRevision, indexes []persistence.IndexWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range documents {
		s.docs[docKey{d.TableID, d.ID, d.TS}] = d
	}
	for _, e := range indexes {
		s.entries[entryKey{e.IndexID, e.KeySHA256, e.TS}] = e
	}
	return nil
}

func (s *Store) WriteGlobal(_ context.Context, key types.PersistenceGlobalKey, value types.TS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[key] = value
	return nil
}

func (s *Store) GetGlobal(_ context.Context, key types.PersistenceGlobalKey) (types.TS, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.globals[key]
	return v, ok, nil
}

func (s *Store) IndexEntriesToDelete(_ context.Context, candidates []types.IndexEntry) ([]types.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := make([]types.IndexEntry, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := s.entries[entryKey{c.IndexID, c.KeySHA256, c.TS}]; ok {
			existing = append(existing, c)
		}
	}
	return existing, nil
}

func (s *Store) DeleteIndexEntries(_ context.Context, entries []types.IndexEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, e := range entries {
		k := entryKey{e.IndexID, e.KeySHA256, e.TS}
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) StreamRevisions(_ context.Context, tableID string, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]persistence.DocumentRevision) error) error {
	s.mu.RLock()
	var matches []persistence.DocumentRevision
	for k, d := range s.docs {
		if k.table != tableID {
			continue
		}
		if !tsRange.Contains(k.ts) {
			continue
		}
		matches = append(matches, d)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if order == types.Desc {
			return matches[i].TS > matches[j].TS
		}
		return matches[i].TS < matches[j].TS
	})

	if pageSize <= 0 {
		pageSize = len(matches)
		if pageSize == 0 {
			pageSize = 1
		}
	}
	for start := 0; start < len(matches); start += pageSize {
		end := start + pageSize
		if end > len(matches) {
			end = len(matches)
		}
		if err := fn(matches[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) StreamAllRevisions(_ context.Context, tsRange types.TimestampRange, order types.Order, pageSize int, fn func([]persistence.DocumentRevision) error) error {
	s.mu.RLock()
	var matches []persistence.DocumentRevision
	for k, d := range s.docs {
		if !tsRange.Contains(k.ts) {
			continue
		}
		matches = append(matches, d)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if order == types.Desc {
			return matches[i].TS > matches[j].TS
		}
		return matches[i].TS < matches[j].TS
	})

	if pageSize <= 0 {
		pageSize = len(matches)
		if pageSize == 0 {
			pageSize = 1
		}
	}
	for start := 0; start < len(matches); start += pageSize {
		end := start + pageSize
		if end > len(matches) {
			end = len(matches)
		}
		if err := fn(matches[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PreviousRevisions(_ context.Context, tableID string, refs []persistence.DocRef) ([]persistence.PreviousRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]persistence.PreviousRevision, 0, len(refs))
	for _, ref := range refs {
		cur, ok := s.docs[docKey{tableID, ref.ID, ref.TS}]
		if !ok || !cur.HasPrev {
			results = append(results, persistence.PreviousRevision{Ref: ref, HasPrev: false})
			continue
		}
		prev, ok := s.docs[docKey{tableID, ref.ID, cur.PrevTS}]
		if !ok {
			results = append(results, persistence.PreviousRevision{Ref: ref, HasPrev: true, Inconsistent: true})
			continue
		}
		if prev.Deleted {
			results = append(results, persistence.PreviousRevision{Ref: ref, HasPrev: true, Inconsistent: true, Prev: prev})
			continue
		}
		results = append(results, persistence.PreviousRevision{Ref: ref, HasPrev: true, Prev: prev})
	}
	return results, nil
}

func (s *Store) IndexScan(_ context.Context, indexID string, interval types.Interval, readTS types.TS, order types.Order, limit int) ([]persistence.IndexScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Latest entry per key at-or-before readTS.
	type latest struct {
		entry persistence.IndexWrite
		key   types.SplitKey
	}
	byKey := make(map[string]latest)
	for _, e := range s.entries {
		if e.IndexID != indexID || e.TS > readTS {
			continue
		}
		full := e.Key.Join()
		if !withinInterval(full, interval) {
			continue
		}
		k := string(full)
		if cur, ok := byKey[k]; !ok || e.TS > cur.entry.TS {
			byKey[k] = latest{entry: e, key: e.Key}
		}
	}

	var results []persistence.IndexScanResult
	for full, l := range byKey {
		if l.entry.Deleted {
			continue
		}
		doc, ok := s.latestLiveDocument(l.entry.TableID, l.entry.DocumentID, readTS)
		if !ok {
			continue
		}
		results = append(results, persistence.IndexScanResult{Key: []byte(full), DocumentID: l.entry.DocumentID, Document: doc})
	}

	sort.Slice(results, func(i, j int) bool {
		if order == types.Desc {
			return string(results[i].Key) > string(results[j].Key)
		}
		return string(results[i].Key) < string(results[j].Key)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) latestLiveDocument(tableID, id string, readTS types.TS) (persistence.DocumentRevision, bool) {
	var best persistence.DocumentRevision
	found := false
	for k, d := range s.docs {
		if k.table != tableID || k.id != id || k.ts > readTS {
			continue
		}
		if !found || d.TS > best.TS {
			best = d
			found = true
		}
	}
	if !found || best.Deleted {
		return persistence.DocumentRevision{}, false
	}
	return best, true
}

func (s *Store) MaxTimestamp(_ context.Context) (types.TS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := types.TSMin
	for k := range s.docs {
		if k.ts > max {
			max = k.ts
		}
	}
	return max, nil
}

func withinInterval(key []byte, interval types.Interval) bool {
	if interval.Start != nil && string(key) < string(interval.Start) {
		return false
	}
	if interval.End != nil && string(key) >= string(interval.End) {
		return false
	}
	return true
}

var _ persistence.Persistence = (*Store)(nil)
var _ persistence.Reader = (*Store)(nil)
