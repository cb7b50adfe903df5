// Package snapshot provides the external "snapshot manager" collaborator
// referenced by spec §6: the source of the latest committed timestamp and
// the current index registry, used by the retention manager at
// construction time to take its initial index snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/types"
)

// Manager is the collaborator contract retention depends on.
type Manager interface {
	// LatestTS returns the latest committed revision timestamp.
	LatestTS(ctx context.Context) (types.TS, error)

	// LatestIndexRegistry returns every non-backfilling database index
	// known as of the latest committed timestamp, used for the manager's
	// one-shot construction-time scan (spec §6, §9).
	LatestIndexRegistry(ctx context.Context) ([]types.IndexDescriptor, error)
}

// indexMetadataDoc is the JSON shape stored in the reserved
// persistence.IndexMetadataTable table.
type indexMetadataDoc struct {
	TableID       string   `json:"table_id"`
	Name          string   `json:"name"`
	IndexedFields []string `json:"indexed_fields"`
	Backfilling   bool     `json:"backfilling"`
}

// PersistenceBackedManager derives both Manager capabilities from a
// persistence.Persistence collaborator.
type PersistenceBackedManager struct {
	reader persistence.Reader
}

// New wraps a persistence reader as a Manager.
func New(reader persistence.Reader) *PersistenceBackedManager {
	return &PersistenceBackedManager{reader: reader}
}

func (m *PersistenceBackedManager) LatestTS(ctx context.Context) (types.TS, error) {
	return m.reader.MaxTimestamp(ctx)
}

func (m *PersistenceBackedManager) LatestIndexRegistry(ctx context.Context) ([]types.IndexDescriptor, error) {
	// Revisions arrive in ascending timestamp order, so the last one seen
	// for an index id is its latest state.
	latest := make(map[string]*types.IndexDescriptor)
	var ids []string
	err := m.reader.StreamRevisions(ctx, persistence.IndexMetadataTable, types.AllTime(), types.Asc, 256, func(page []persistence.DocumentRevision) error {
		for _, rev := range page {
			if _, seen := latest[rev.ID]; !seen {
				ids = append(ids, rev.ID)
			}
			latest[rev.ID] = nil
			if rev.Deleted || rev.Value == nil {
				continue
			}
			var doc indexMetadataDoc
			if err := json.Unmarshal(rev.Value, &doc); err != nil {
				return fmt.Errorf("decoding index metadata for %s: %w", rev.ID, err)
			}
			if doc.Backfilling {
				continue
			}
			state := types.IndexEnabled
			latest[rev.ID] = &types.IndexDescriptor{
				IndexID:       rev.ID,
				TableID:       doc.TableID,
				Name:          doc.Name,
				IndexedFields: doc.IndexedFields,
				State:         state,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []types.IndexDescriptor
	for _, id := range ids {
		if desc := latest[id]; desc != nil {
			out = append(out, *desc)
		}
	}
	return out, nil
}

var _ Manager = (*PersistenceBackedManager)(nil)
