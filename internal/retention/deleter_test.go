package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/persistence/memtest"
	"github.com/sfncore/convex-retention/internal/types"
)

const scenarioTable = "docs"

func val(n int) json.RawMessage {
	return json.RawMessage([]byte(`{"value":` + itoa(n) + `}`))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}

// newScenarioDeleter builds a Deleter wired to an in-memory store seeded
// with exactly the by_id/by_val index rows a real write path would have
// produced for the accumulated-index-set worked scenario: ten document
// revisions across five ids, with a retention boundary between ts=7 and
// ts=9.
func newScenarioDeleter(t *testing.T) (*Deleter, *memtest.Store) {
	t.Helper()
	store := memtest.New()
	ctx := context.Background()

	byID := types.IndexDescriptor{IndexID: "by_id", TableID: scenarioTable, Name: "by_id", State: types.IndexEnabled}
	byVal := types.IndexDescriptor{IndexID: "by_val", TableID: scenarioTable, Name: "by_val", IndexedFields: []string{"value"}, State: types.IndexEnabled}

	type revSpec struct {
		id      string
		ts      int
		value   int
		deleted bool
		prevTS  int
		hasPrev bool
	}
	revs := []revSpec{
		{id: "id1", ts: 1, value: 5},
		{id: "id2", ts: 2, value: 5},
		{id: "id1", ts: 3, value: 6, prevTS: 1, hasPrev: true},
		{id: "id2", ts: 4, deleted: true, prevTS: 2, hasPrev: true},
		{id: "id3", ts: 5, value: 5},
		{id: "id4", ts: 6, value: 5},
		{id: "id5", ts: 7, value: 5},
		{id: "id4", ts: 9, deleted: true, prevTS: 6, hasPrev: true},
		{id: "id5", ts: 10, value: 6, prevTS: 7, hasPrev: true},
		{id: "id5", ts: 11, value: 5, prevTS: 10, hasPrev: true},
	}

	// prevValue tracks the last live value written per id, so the
	// fixture can compute the same prev-key/next-key pairs the deleter's
	// own discovery pipeline will later derive from PreviousRevisions.
	prevValue := map[string]int{}

	var docs []persistence.DocumentRevision
	var writes []persistence.IndexWrite

	for _, r := range revs {
		var value json.RawMessage
		if !r.deleted {
			value = val(r.value)
		}
		docs = append(docs, persistence.DocumentRevision{
			TableID: scenarioTable,
			ID:      r.id,
			TS:      types.TS(r.ts),
			Value:   value,
			Deleted: r.deleted,
			PrevTS:  types.TS(r.prevTS),
			HasPrev: r.hasPrev,
		})

		idKey, err := defaultIndexKeyer.Encode(nil, r.id, value)
		if err != nil {
			t.Fatalf("encoding id key: %v", err)
		}
		writes = append(writes, newIndexWrite(byID.IndexID, scenarioTable, r.id, idKey, types.TS(r.ts), r.deleted))

		if !r.deleted {
			liveKey, err := defaultIndexKeyer.Encode(byVal.IndexedFields, r.id, value)
			if err != nil {
				t.Fatalf("encoding live val key: %v", err)
			}
			writes = append(writes, newIndexWrite(byVal.IndexID, scenarioTable, r.id, liveKey, types.TS(r.ts), false))
		}

		if r.hasPrev {
			if pv, ok := prevValue[r.id]; ok && (r.deleted || pv != r.value) {
				closeOutKey, err := defaultIndexKeyer.Encode(byVal.IndexedFields, r.id, val(pv))
				if err != nil {
					t.Fatalf("encoding close-out val key: %v", err)
				}
				writes = append(writes, newIndexWrite(byVal.IndexID, scenarioTable, r.id, closeOutKey, types.TS(r.ts), true))
			}
		}
		if !r.deleted {
			prevValue[r.id] = r.value
		}
	}

	if err := store.Write(ctx, docs, writes); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	acc := newAccumulator(types.TSMin)
	acc.indexes = map[string]types.IndexDescriptor{
		byID.IndexID:  byID,
		byVal.IndexID: byVal,
	}

	d := &Deleter{
		store:  store,
		reader: store.Reader(),
		cfg:    DefaultConfig(),
		logger: log.New(discard{}, "", 0),
		acc:    acc,
		keyer:  defaultIndexKeyer,
	}
	return d, store
}

// newIndexWrite builds the IndexWrite a write path would append for one
// index row, mirroring candidatesForRevision/newIndexEntryCandidate's key
// construction so seeded fixtures and discovered candidates line up byte
// for byte.
func newIndexWrite(indexID, tableID, docID string, key []byte, ts types.TS, deleted bool) persistence.IndexWrite {
	return persistence.IndexWrite{
		IndexEntry: types.IndexEntry{
			IndexID:   indexID,
			Key:       types.NewSplitKey(key),
			KeySHA256: types.KeySHA256(key),
			TS:        ts,
			Deleted:   deleted,
		},
		TableID:    tableID,
		DocumentID: docID,
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestDeleteWorkedScenario(t *testing.T) {
	d, store := newScenarioDeleter(t)
	ctx := context.Background()

	newCursor, processed, err := d.delete(ctx, types.TSMin, types.TS(8), d.acc.snapshot())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if processed != 7 {
		t.Errorf("processed = %d, want 7", processed)
	}
	if newCursor != types.TS(7) {
		t.Errorf("newCursor = %d, want 7", newCursor)
	}

	results, err := store.IndexScan(ctx, "by_val", types.All(), types.TS(8), types.Asc, 0)
	if err != nil {
		t.Fatalf("IndexScan at 8: %v", err)
	}
	wantAt8 := []struct {
		id string
		ts types.TS
	}{
		{"id3", 5},
		{"id4", 6},
		{"id5", 7},
		{"id1", 3},
	}
	if len(results) != len(wantAt8) {
		t.Fatalf("IndexScan at 8 returned %d results, want %d: %+v", len(results), len(wantAt8), results)
	}
	for i, w := range wantAt8 {
		if results[i].DocumentID != w.id || results[i].Document.TS != w.ts {
			t.Errorf("result[%d] = (%s, %d), want (%s, %d)", i, results[i].DocumentID, results[i].Document.TS, w.id, w.ts)
		}
	}

	resultsAt2, err := store.IndexScan(ctx, "by_val", types.All(), types.TS(2), types.Asc, 0)
	if err != nil {
		t.Fatalf("IndexScan at 2: %v", err)
	}
	if len(resultsAt2) != 0 {
		t.Errorf("IndexScan at 2 returned %d results, want 0: %+v", len(resultsAt2), resultsAt2)
	}
}

func TestDeleteSkipsCreateAndDeleteInSameTransaction(t *testing.T) {
	store := memtest.New()
	ctx := context.Background()

	// A document created and tombstoned without ever having a
	// predecessor: no index row was ever written for it, so no
	// candidate should be produced.
	if err := store.Write(ctx, []persistence.DocumentRevision{
		{TableID: scenarioTable, ID: "ephemeral", TS: 1, Deleted: true},
	}, nil); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	acc := newAccumulator(types.TSMin)
	acc.indexes = map[string]types.IndexDescriptor{
		"by_id": {IndexID: "by_id", TableID: scenarioTable, Name: "by_id", State: types.IndexEnabled},
	}
	d := &Deleter{
		store:  store,
		reader: store.Reader(),
		cfg:    DefaultConfig(),
		logger: log.New(discard{}, "", 0),
		acc:    acc,
		keyer:  defaultIndexKeyer,
	}

	_, processed, err := d.delete(ctx, types.TSMin, types.TS(2), d.acc.snapshot())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
}

func TestDeleteReportsTombstonedPredecessorAsInconsistency(t *testing.T) {
	store := memtest.New()
	ctx := context.Background()

	if err := store.Write(ctx, []persistence.DocumentRevision{
		{TableID: scenarioTable, ID: "doc1", TS: 1, Deleted: true},
		{TableID: scenarioTable, ID: "doc1", TS: 2, Value: val(1), PrevTS: 1, HasPrev: true},
	}, nil); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	acc := newAccumulator(types.TSMin)
	acc.indexes = map[string]types.IndexDescriptor{
		"by_id": {IndexID: "by_id", TableID: scenarioTable, Name: "by_id", State: types.IndexEnabled},
	}
	metrics := NewMetrics(nil)
	var logBuf bytes.Buffer
	d := &Deleter{
		store:   store,
		reader:  store.Reader(),
		cfg:     DefaultConfig(),
		logger:  log.New(&logBuf, "", 0),
		acc:     acc,
		keyer:   defaultIndexKeyer,
		metrics: metrics,
	}

	_, processed, err := d.delete(ctx, types.TSMin, types.TS(3), d.acc.snapshot())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0 (the inconsistent reference is skipped, not deleted)", processed)
	}
	if !strings.Contains(logBuf.String(), "inconsistent retention data") {
		t.Errorf("tombstoned predecessor was not reported as an inconsistency; log: %q", logBuf.String())
	}
}

func TestDeleteDisabledReturnsCursorUnchanged(t *testing.T) {
	d, _ := newScenarioDeleter(t)
	d.cfg.DeletesEnabled = false
	ctx := context.Background()

	newCursor, processed, err := d.delete(ctx, types.TSMin, types.TS(8), d.acc.snapshot())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	if newCursor != types.TSMin {
		t.Errorf("newCursor = %d, want %d", newCursor, types.TSMin)
	}
}
