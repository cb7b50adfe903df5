package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sfncore/convex-retention/internal/indexkey"
	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/splitrw"
	"github.com/sfncore/convex-retention/internal/types"
)

// indexKeyer computes a sortable index key for a document: the
// "index-key encoding" collaborator spec §6 lists as external to the
// core. indexkey.Encode is the concrete stand-in for the real document
// model, wired through this narrow interface so the deleter never
// depends on the concrete package directly.
type indexKeyer interface {
	Encode(fields []string, id string, value json.RawMessage) ([]byte, error)
}

type indexKeyerFunc func([]string, string, json.RawMessage) ([]byte, error)

func (f indexKeyerFunc) Encode(fields []string, id string, value json.RawMessage) ([]byte, error) {
	return f(fields, id, value)
}

var defaultIndexKeyer indexKeyer = indexKeyerFunc(indexkey.Encode)

// errDeleteBatchReached is a sentinel used to unwind out of a
// StreamAllRevisions callback once enough entries have been processed
// to justify returning early and letting the main loop re-accumulate
// indexes and checkpoint (spec §4.4.2).
var errDeleteBatchReached = errors.New("retention: delete batch threshold reached")

// docRef identifies one revision across tables, the key the previous-
// revision lookup results are indexed by.
type docRef struct {
	table string
	id    string
	ts    types.TS
}

// Deleter is the long-lived task that consumes boundary-advance signals,
// enumerates expired index entries, deletes them in parallel shards, and
// advances the confirmed-deleted checkpoint (spec §4.2).
type Deleter struct {
	store      persistence.Persistence
	reader     persistence.Reader
	cfg        *Config
	logger     *log.Logger
	metrics    *Metrics
	bounds     splitrw.Reader[types.SnapshotBounds]
	checkpoint splitrw.Writer[types.Checkpoint]
	signal     <-chan types.TS
	acc        *accumulator
	validator  Validator
	keyer      indexKeyer
}

func newDeleter(
	store persistence.Persistence,
	cfg *Config,
	logger *log.Logger,
	metrics *Metrics,
	bounds splitrw.Reader[types.SnapshotBounds],
	checkpoint splitrw.Writer[types.Checkpoint],
	signal <-chan types.TS,
	acc *accumulator,
	validator Validator,
) *Deleter {
	return &Deleter{
		store:      store,
		reader:     store.Reader(),
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		bounds:     bounds,
		checkpoint: checkpoint,
		signal:     signal,
		acc:        acc,
		validator:  validator,
		keyer:      defaultIndexKeyer,
	}
}

// Run executes the Deleter's main loop until ctx is cancelled (spec
// §4.2). It never returns on an ordinary pass error: the error is
// reported and the loop retries after exponential backoff, reset on the
// next success.
func (d *Deleter) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.ErrorBackoffInitial
	bo.MaxInterval = d.cfg.MaxRetentionDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var boundary types.TS
	haveBoundary := false

	for {
		if !haveBoundary {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b, ok := <-d.signal:
				if ok {
					boundary = b
				} else {
					// The channel is never closed in practice; fall back
					// to a jittered sleep and re-read the in-memory bound
					// rather than spin.
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(jitterDuration(d.cfg.MaxRetentionDelay)):
					}
					boundary = d.bounds.Get().MinSnapshotTS
				}
			}
		}
		haveBoundary = false

		again, err := d.pass(ctx, boundary)
		if err != nil {
			d.logger.Printf("retention: deleter pass failed: %v", err)
			if d.metrics != nil {
				d.metrics.LoopErrors.WithLabelValues("deleter").Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			haveBoundary = true
			continue
		}
		bo.Reset()
		if again {
			haveBoundary = true
		}
	}
}

// pass runs steps 2-6 of the Deleter's main loop for one observed
// boundary: load the checkpoint, accumulate indexes, delete, accumulate
// again, and conditionally advance the checkpoint. It reports whether
// the caller should continue immediately rather than block on the next
// signal.
func (d *Deleter) pass(ctx context.Context, boundary types.TS) (bool, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DeletePassSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	cpTS, ok, err := d.store.GetGlobal(ctx, types.GlobalRetentionConfirmedDeletedTS)
	if err != nil {
		return false, fmt.Errorf("loading checkpoint: %w", err)
	}
	cursor := types.TSMin
	if ok {
		cursor = cpTS
	}

	if err := d.acc.accumulate(ctx, d.reader, d.validator, boundary, d.cfg.DocumentsPageSize); err != nil {
		return false, fmt.Errorf("accumulating indexes: %w", err)
	}
	indexes := d.acc.snapshot()
	before := len(indexes)

	newCursor, processed, err := d.delete(ctx, cursor, boundary, indexes)
	if err != nil {
		return false, fmt.Errorf("deleting expired entries: %w", err)
	}

	if err := d.acc.accumulate(ctx, d.reader, d.validator, boundary, d.cfg.DocumentsPageSize); err != nil {
		return false, fmt.Errorf("re-accumulating indexes: %w", err)
	}
	after := len(d.acc.snapshot())

	if after == before {
		if err := d.store.WriteGlobal(ctx, types.GlobalRetentionConfirmedDeletedTS, newCursor); err != nil {
			return false, fmt.Errorf("persisting checkpoint: %w", err)
		}
		d.checkpoint.Set(types.Checkpoint{ConfirmedDeletedTS: newCursor, Set: true})
		if d.metrics != nil {
			d.metrics.CheckpointAgeSeconds.Set(time.Since(newCursor.Time()).Seconds())
		}
	} else {
		// A new index surfaced mid-pass: it may need entries purged from
		// the range we just processed, so skip the checkpoint advance
		// until a later pass re-confirms nothing changed.
		d.logger.Printf("retention: skipping checkpoint advance, index set grew from %d to %d", before, after)
	}

	return processed >= d.cfg.DeleteBatch, nil
}

// delete implements the expired-index-entry discovery and deletion
// pipeline of spec §4.4 over the half-open range [cursor, boundary).
func (d *Deleter) delete(ctx context.Context, cursor, boundary types.TS, indexes map[string]types.IndexDescriptor) (types.TS, int, error) {
	if !d.cfg.DeletesEnabled || boundary <= types.TSMin {
		return cursor, 0, nil
	}
	if boundary <= cursor {
		return cursor, 0, nil
	}

	newCursor := cursor
	total := 0
	var buffer []types.IndexEntry

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		groupCursor, deleted, err := d.deleteShardedGroup(ctx, buffer)
		if err != nil {
			return err
		}
		if groupCursor > newCursor {
			newCursor = groupCursor
		}
		total += len(buffer)
		if d.metrics != nil {
			d.metrics.EntriesDeleted.Add(float64(deleted))
		}
		buffer = buffer[:0]
		if newCursor > cursor && total >= d.cfg.DeleteBatch {
			return errDeleteBatchReached
		}
		return nil
	}

	rng := types.TimestampRange{Start: cursor, End: boundary.Pred()}
	streamErr := d.reader.StreamAllRevisions(ctx, rng, types.Asc, d.cfg.ReadChunk, func(page []persistence.DocumentRevision) error {
		prevs, err := d.lookupPreviousRevisions(ctx, page)
		if err != nil {
			return err
		}
		for _, rev := range page {
			prev, ok := prevs[docRef{rev.TableID, rev.ID, rev.TS}]
			if !ok {
				continue
			}
			candidates, err := d.candidatesForRevision(rev, prev, indexes)
			if err != nil {
				return err
			}
			if d.metrics != nil {
				d.metrics.EntriesScanned.Add(float64(len(candidates)))
			}
			buffer = append(buffer, candidates...)
			if len(buffer) >= d.cfg.DeleteChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if streamErr != nil {
		if errors.Is(streamErr, errDeleteBatchReached) {
			return newCursor, total, nil
		}
		return cursor, total, streamErr
	}

	if err := flush(); err != nil {
		if errors.Is(err, errDeleteBatchReached) {
			return newCursor, total, nil
		}
		return cursor, total, err
	}

	return boundary.Pred(), total, nil
}

// lookupPreviousRevisions fans the page's previous-revision lookups out
// by table, bounded by RETENTION_READ_PARALLEL, since PreviousRevisions
// is scoped to a single table but a chunk can span many.
func (d *Deleter) lookupPreviousRevisions(ctx context.Context, page []persistence.DocumentRevision) (map[docRef]persistence.PreviousRevision, error) {
	byTable := make(map[string][]persistence.DocRef)
	for _, rev := range page {
		byTable[rev.TableID] = append(byTable[rev.TableID], persistence.DocRef{ID: rev.ID, TS: rev.TS})
	}

	var mu sync.Mutex
	out := make(map[docRef]persistence.PreviousRevision, len(page))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ReadParallel)
	for tableID, refs := range byTable {
		tableID, refs := tableID, refs
		g.Go(func() error {
			results, err := d.reader.PreviousRevisions(gctx, tableID, refs)
			if err != nil {
				return fmt.Errorf("looking up previous revisions for table %s: %w", tableID, err)
			}
			mu.Lock()
			for _, r := range results {
				out[docRef{tableID, r.Ref.ID, r.Ref.TS}] = r
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// candidatesForRevision implements spec §4.4.1.b-d for one revision: it
// emits up to two IndexEntry candidates per matching index, suppressing
// the tombstone when the key didn't actually change and reporting (but
// not failing on) a previous revision that is itself a tombstone.
func (d *Deleter) candidatesForRevision(rev persistence.DocumentRevision, prev persistence.PreviousRevision, indexes map[string]types.IndexDescriptor) ([]types.IndexEntry, error) {
	if !prev.HasPrev {
		// Fresh create, or create-and-delete in the same transaction: no
		// index row was ever written for a predecessor.
		return nil, nil
	}
	if prev.Inconsistent {
		reportInconsistency(d.logger, "revision %s/%s@%d references a missing or tombstoned previous revision at %d", rev.TableID, rev.ID, rev.TS, rev.PrevTS)
		if d.metrics != nil {
			d.metrics.Inconsistencies.Inc()
		}
		return nil, nil
	}

	var out []types.IndexEntry
	for _, idx := range indexes {
		if idx.TableID != rev.TableID {
			continue
		}

		prevKey, err := d.keyer.Encode(idx.IndexedFields, prev.Prev.ID, prev.Prev.Value)
		if err != nil {
			return nil, fmt.Errorf("computing previous index key: %w", err)
		}
		out = append(out, newIndexEntryCandidate(idx.IndexID, prevKey, prev.Prev.TS, false))

		if !rev.Deleted {
			nextKey, err := d.keyer.Encode(idx.IndexedFields, rev.ID, rev.Value)
			if err != nil {
				return nil, fmt.Errorf("computing next index key: %w", err)
			}
			if bytes.Equal(prevKey, nextKey) {
				// Overwritten in place: the live entry at ts must remain.
				continue
			}
		}
		out = append(out, newIndexEntryCandidate(idx.IndexID, prevKey, rev.TS, true))
	}
	return out, nil
}

func newIndexEntryCandidate(indexID string, key []byte, ts types.TS, deleted bool) types.IndexEntry {
	return types.IndexEntry{
		IndexID:   indexID,
		Key:       types.NewSplitKey(key),
		KeySHA256: types.KeySHA256(key),
		TS:        ts,
		Deleted:   deleted,
	}
}

// deleteShardedGroup partitions candidates by hash(key_sha256) mod
// RETENTION_DELETE_PARALLEL and deletes each shard concurrently (spec
// §4.4.2), returning the max shard cursor and the total deleted count.
func (d *Deleter) deleteShardedGroup(ctx context.Context, candidates []types.IndexEntry) (types.TS, int, error) {
	n := d.cfg.DeleteParallel
	if n <= 0 {
		n = 1
	}
	shards := make([][]types.IndexEntry, n)
	for _, c := range candidates {
		shard := types.ShardFor(c.KeySHA256, n)
		shards[shard] = append(shards[shard], c)
	}

	type shardResult struct {
		cursor  types.TS
		deleted int
	}
	results := make([]shardResult, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		i, shard := i, shard
		g.Go(func() error {
			existing, err := d.store.IndexEntriesToDelete(gctx, shard)
			if err != nil {
				return fmt.Errorf("checking index entry existence: %w", err)
			}
			if len(existing) > len(shard) {
				reportInconsistency(d.logger, "persistence returned %d entries for %d requested candidates in shard %d", len(existing), len(shard), i)
				if d.metrics != nil {
					d.metrics.Inconsistencies.Inc()
				}
			}

			shardCursor := types.TSMin
			for _, e := range existing {
				if e.TS > types.TSMin {
					if p := e.TS.Pred(); p > shardCursor {
						shardCursor = p
					}
				}
			}

			deleted := 0
			if len(existing) > 0 {
				n, err := d.store.DeleteIndexEntries(gctx, existing)
				if err != nil {
					return fmt.Errorf("deleting index entries: %w", err)
				}
				deleted = n
			}
			results[i] = shardResult{cursor: shardCursor, deleted: deleted}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.TSMin, 0, err
	}

	groupCursor := types.TSMin
	total := 0
	for _, r := range results {
		if r.cursor > groupCursor {
			groupCursor = r.cursor
		}
		total += r.deleted
	}
	return groupCursor, total, nil
}
