package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sfncore/convex-retention/internal/persistence"
	"github.com/sfncore/convex-retention/internal/snapshot"
	"github.com/sfncore/convex-retention/internal/splitrw"
	"github.com/sfncore/convex-retention/internal/types"
)

// Advancer is the Boundary Advancer task (spec §4.1): on each tick it
// computes candidate retention boundaries, persists them before
// updating memory, and publishes the new index boundary on a one-slot
// signal channel.
type Advancer struct {
	store      persistence.Persistence
	snapshots  snapshot.Manager
	cfg        *Config
	logger     *log.Logger
	metrics    *Metrics
	bounds     splitrw.Writer[types.SnapshotBounds]
	checkpoint splitrw.Reader[types.Checkpoint]
	signal     chan<- types.TS
}

func newAdvancer(
	store persistence.Persistence,
	snapshots snapshot.Manager,
	cfg *Config,
	logger *log.Logger,
	metrics *Metrics,
	bounds splitrw.Writer[types.SnapshotBounds],
	checkpoint splitrw.Reader[types.Checkpoint],
	signal chan<- types.TS,
) *Advancer {
	return &Advancer{
		store:      store,
		snapshots:  snapshots,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		bounds:     bounds,
		checkpoint: checkpoint,
		signal:     signal,
	}
}

// Run executes the Advancer's main loop until ctx is cancelled, starting
// with a randomized startup delay that desynchronizes a fleet of
// leaders ticking at the same frequency.
func (a *Advancer) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitterDuration(a.cfg.MaxRetentionDelay)):
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ErrorBackoffInitial
	bo.MaxInterval = a.cfg.MaxRetentionDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	ticker := time.NewTicker(a.cfg.AdvanceFrequency)
	defer ticker.Stop()

	for {
		if err := a.tick(ctx); err != nil {
			a.logger.Printf("retention: advancer tick failed: %v", err)
			if a.metrics != nil {
				a.metrics.LoopErrors.WithLabelValues("advancer").Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick performs one iteration of steps 1-4 of spec §4.1.
func (a *Advancer) tick(ctx context.Context) error {
	latest, err := a.snapshots.LatestTS(ctx)
	if err != nil {
		return fmt.Errorf("reading latest committed timestamp: %w", err)
	}

	current := a.bounds.Get()
	cp := a.checkpoint.Get()

	candidateIndex := latest.Sub(a.cfg.IndexRetentionDelay)
	candidateDoc := latest.Sub(a.cfg.DocumentRetentionDelay)
	if clamp := cp.TSOrMin(); clamp < candidateDoc {
		candidateDoc = clamp
	}

	next := current
	advancedIndex := false

	if candidateIndex > current.MinSnapshotTS {
		// Persist first, then publish: followers and the deleter must
		// never observe a memory boundary ahead of what's durable.
		if err := a.store.WriteGlobal(ctx, types.GlobalRetentionMinSnapshotTS, candidateIndex); err != nil {
			return fmt.Errorf("persisting index boundary: %w", err)
		}
		next.MinSnapshotTS = candidateIndex
		advancedIndex = true
	}
	if candidateDoc > current.MinDocumentSnapshotTS {
		if err := a.store.WriteGlobal(ctx, types.GlobalDocumentRetentionMinSnapshotTS, candidateDoc); err != nil {
			return fmt.Errorf("persisting document boundary: %w", err)
		}
		next.MinDocumentSnapshotTS = candidateDoc
	}

	if next != current {
		a.bounds.Set(next)
	}
	if advancedIndex {
		sendLatest(a.signal, next.MinSnapshotTS)
	}

	a.logger.Printf("retention: checkpoint age %s", time.Since(cp.TSOrMin().Time()))
	if a.metrics != nil {
		a.metrics.IndexBoundaryAgeSeconds.Set(time.Since(next.MinSnapshotTS.Time()).Seconds())
		if cp.Set {
			a.metrics.CheckpointAgeSeconds.Set(time.Since(cp.ConfirmedDeletedTS.Time()).Seconds())
		}
	}

	return nil
}

// sendLatest implements the one-slot "drain-then-send" idiom of spec §9:
// the latest boundary is always the relevant one, so a stale unread
// value is discarded in favor of the new one rather than ever blocking
// the advancer.
func sendLatest(ch chan<- types.TS, v types.TS) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// jitterDuration returns a value uniformly sampled from [0, max),
// reusing backoff.ExponentialBackOff purely for its jitter term: with
// InitialInterval == MaxInterval and RandomizationFactor at its maximum,
// the exponential curve never gets a chance to grow and only the
// jittered sample survives. The same abuse as original_source's startup
// delay helper.
func jitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = max / 2
	bo.MaxInterval = max / 2
	bo.RandomizationFactor = 1
	bo.Multiplier = 1
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo.NextBackOff()
}
