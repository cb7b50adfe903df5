package retention

import (
	"context"
	"encoding/json"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/types"
)

// snapshotValidator is the narrow slice of RetentionValidator the
// accumulator needs — just enough to sanity-check the asOf boundary, without
// depending on the full validator type and its Leader/Follower
// implementations.
type snapshotValidator interface {
	ValidateSnapshot(ctx context.Context, ts types.TS) error
}

// indexMetadataDoc mirrors snapshot.indexMetadataDoc; duplicated here
// (rather than imported) because the snapshot package does not export
// that type and the accumulator only needs to decode it.
type indexMetadataDoc struct {
	TableID       string   `json:"table_id"`
	Name          string   `json:"name"`
	IndexedFields []string `json:"indexed_fields"`
	Backfilling   bool     `json:"backfilling"`
}

// accumulator is the Index-Set Accumulator (spec §4.3): it owns the
// deleter's map of every index that could still be queried and never
// shrinks it, because an index dropped or moved back to backfilling
// after being observed here may still have entries that need purging.
type accumulator struct {
	indexes map[string]types.IndexDescriptor
	cursor  types.TS
}

func newAccumulator(cursor types.TS) *accumulator {
	return &accumulator{indexes: make(map[string]types.IndexDescriptor), cursor: cursor}
}

// snapshot returns a shallow copy of the currently accumulated indexes.
func (a *accumulator) snapshot() map[string]types.IndexDescriptor {
	out := make(map[string]types.IndexDescriptor, len(a.indexes))
	for k, v := range a.indexes {
		out[k] = v
	}
	return out
}

// accumulate streams the index metadata table forward from a.cursor with
// no upper bound, folding every non-backfilling database index into the
// accumulated set and advancing the cursor to the last-seen timestamp. It
// never removes entries. asOf is only used to sanity-check that the
// boundary the caller is about to delete up through hasn't itself already
// fallen out of retention; it does not clamp the scan. A clamp at asOf
// would miss an index whose Backfilling->Enabled transition is recorded
// at a timestamp newer than asOf (true for any index enabled within
// INDEX_RETENTION_DELAY of "now"), the exact failure the original's
// unbounded TimestampRange::greater_than(*cursor) scan avoids.
func (a *accumulator) accumulate(ctx context.Context, reader persistence.Reader, validator snapshotValidator, asOf types.TS, pageSize int) error {
	if err := validator.ValidateSnapshot(ctx, asOf); err != nil {
		return err
	}

	rng := types.TimestampRange{Start: a.cursor, End: types.TSMax}
	return reader.StreamRevisions(ctx, persistence.IndexMetadataTable, rng, types.Asc, pageSize, func(page []persistence.DocumentRevision) error {
		for _, rev := range page {
			if desc, ok := filterIndexDocument(rev); ok {
				a.indexes[desc.IndexID] = *desc
			}
			if rev.TS > a.cursor {
				a.cursor = rev.TS
			}
		}
		return nil
	})
}

// filterIndexDocument implements the accumulator's filter chain as a
// discrete, independently testable step: skip tombstones, skip
// backfilling indexes, skip anything that doesn't decode as a database
// index descriptor.
func filterIndexDocument(rev persistence.DocumentRevision) (*types.IndexDescriptor, bool) {
	if rev.Deleted || rev.Value == nil {
		return nil, false
	}
	var doc indexMetadataDoc
	if err := json.Unmarshal(rev.Value, &doc); err != nil {
		return nil, false
	}
	if doc.Backfilling {
		return nil, false
	}
	return &types.IndexDescriptor{
		IndexID:       rev.ID,
		TableID:       doc.TableID,
		Name:          doc.Name,
		IndexedFields: doc.IndexedFields,
		State:         types.IndexEnabled,
	}, true
}
