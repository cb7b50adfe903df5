package retention

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/snapshot"
	"github.com/sfncore/convex-retention/internal/types"
)

// LeaderRetentionManager owns the Advancer and Deleter background tasks
// and exposes the RetentionValidator contract to the rest of the
// database (spec §6).
type LeaderRetentionManager struct {
	store     persistence.Persistence
	validator *LeaderValidator
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLeaderRetentionManager loads the persisted boundaries, takes the
// constructor-time index registry snapshot through the snapshot.Manager
// collaborator (resolving the cyclic dependency spec §9 describes
// between the manager and the validator it both provides and consumes,
// since this scan needs no RetentionValidator at all), then installs the
// fully-featured LeaderValidator and spawns the Advancer and Deleter.
func NewLeaderRetentionManager(ctx context.Context, store persistence.Persistence, snapshots snapshot.Manager, cfg *Config, logger *log.Logger, metrics *Metrics) (*LeaderRetentionManager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	minSnapshot, _, err := store.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS)
	if err != nil {
		return nil, fmt.Errorf("loading index boundary: %w", err)
	}
	minDocSnapshot, _, err := store.GetGlobal(ctx, types.GlobalDocumentRetentionMinSnapshotTS)
	if err != nil {
		return nil, fmt.Errorf("loading document boundary: %w", err)
	}
	checkpointTS, checkpointSet, err := store.GetGlobal(ctx, types.GlobalRetentionConfirmedDeletedTS)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	bounds := newBoundsCell(types.SnapshotBounds{MinSnapshotTS: minSnapshot, MinDocumentSnapshotTS: minDocSnapshot})
	checkpoint := newCheckpointCell(types.Checkpoint{ConfirmedDeletedTS: checkpointTS, Set: checkpointSet})

	latest, err := snapshots.LatestTS(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading latest committed timestamp for initial scan: %w", err)
	}
	asOf := minSnapshot
	if latest > asOf {
		asOf = latest
	}

	// The snapshot manager is the source of the initial index registry
	// (spec §6/§9): it already knows every non-backfilling index as of
	// the latest committed timestamp, so the constructor-time scan reads
	// through it directly rather than re-deriving the same answer with
	// its own pass over the index metadata table.
	registry, err := snapshots.LatestIndexRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial index registry: %w", err)
	}
	acc := newAccumulator(asOf)
	for _, desc := range registry {
		acc.indexes[desc.IndexID] = desc
	}
	if len(acc.indexes) == 0 {
		return nil, fmt.Errorf("retention: no database indexes found at startup")
	}

	validator := newLeaderValidator(bounds.reader, checkpoint.reader, cfg)

	signal := make(chan types.TS, 1)
	advancer := newAdvancer(store, snapshots, cfg, logger, metrics, bounds.writer, checkpoint.reader, signal)
	deleter := newDeleter(store, cfg, logger, metrics, bounds.reader, checkpoint.writer, signal, acc, validator)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := advancer.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Printf("retention: advancer exited unexpectedly: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := deleter.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Printf("retention: deleter exited unexpectedly: %v", err)
			}
		}()
		wg.Wait()
	}()

	return &LeaderRetentionManager{store: store, validator: validator, cancel: cancel, done: done}, nil
}

// Validator returns the leader's RetentionValidator.
func (m *LeaderRetentionManager) Validator() Validator { return m.validator }

// Shutdown cancels both background tasks and blocks until they return.
// In-flight persistence operations are short and idempotent and are
// allowed to complete; no other cleanup is required because every state
// transition is either purely in-memory monotonic or durably written
// before publication (spec §5).
func (m *LeaderRetentionManager) Shutdown() {
	m.cancel()
	<-m.done
}

// FollowerRetentionManager exposes the RetentionValidator contract on a
// process that never owns an Advancer or Deleter (spec §4.6).
type FollowerRetentionManager struct {
	validator *FollowerValidator
}

// NewFollowerRetentionManager wraps a FollowerValidator that re-reads
// the leader's persisted boundaries on every validate and min-timestamp
// call.
func NewFollowerRetentionManager(store persistence.Persistence) *FollowerRetentionManager {
	return &FollowerRetentionManager{validator: NewFollowerValidator(store)}
}

// Validator returns the follower's RetentionValidator.
func (m *FollowerRetentionManager) Validator() Validator { return m.validator }
