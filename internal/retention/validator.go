package retention

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sfncore/convex-retention/internal/splitrw"
	"github.com/sfncore/convex-retention/internal/types"
)

// Validator is the contract retention exposes to the rest of the
// database (spec §4.5/§4.6, §6 "Provided contract").
type Validator interface {
	ValidateSnapshot(ctx context.Context, ts types.TS) error
	ValidateDocumentSnapshot(ctx context.Context, ts types.TS) error
	OptimisticValidateSnapshot(ts types.TS) error
	MinSnapshotTS(ctx context.Context) (types.TS, error)
	MinDocumentSnapshotTS(ctx context.Context) (types.TS, error)
	FailIfFallingBehind(ctx context.Context) error
}

// LeaderValidator implements Validator for the process that owns the
// Advancer and Deleter: bounds come straight from the in-memory cells
// those tasks maintain, and overload shedding is active.
type LeaderValidator struct {
	bounds     splitrw.Reader[types.SnapshotBounds]
	checkpoint splitrw.Reader[types.Checkpoint]
	cfg        *Config
}

func newLeaderValidator(bounds splitrw.Reader[types.SnapshotBounds], checkpoint splitrw.Reader[types.Checkpoint], cfg *Config) *LeaderValidator {
	return &LeaderValidator{bounds: bounds, checkpoint: checkpoint, cfg: cfg}
}

func (v *LeaderValidator) ValidateSnapshot(_ context.Context, ts types.TS) error {
	b := v.bounds.Get()
	if ts < b.MinSnapshotTS {
		return newOutOfRetentionError(types.ClassIndex, ts, b.MinSnapshotTS)
	}
	return nil
}

func (v *LeaderValidator) ValidateDocumentSnapshot(_ context.Context, ts types.TS) error {
	b := v.bounds.Get()
	if ts < b.MinDocumentSnapshotTS {
		return newOutOfRetentionError(types.ClassDocument, ts, b.MinDocumentSnapshotTS)
	}
	return nil
}

// OptimisticValidateSnapshot performs the identical comparison without an
// async call, for hot paths where awaiting is undesirable (spec §4.5).
func (v *LeaderValidator) OptimisticValidateSnapshot(ts types.TS) error {
	b := v.bounds.Get()
	if ts < b.MinSnapshotTS {
		return newOutOfRetentionError(types.ClassIndex, ts, b.MinSnapshotTS)
	}
	return nil
}

func (v *LeaderValidator) MinSnapshotTS(_ context.Context) (types.TS, error) {
	return v.bounds.Get().MinSnapshotTS, nil
}

func (v *LeaderValidator) MinDocumentSnapshotTS(_ context.Context) (types.TS, error) {
	return v.bounds.Get().MinDocumentSnapshotTS, nil
}

// FailIfFallingBehind implements the overload-shedding ramp of spec
// §4.5: no call fails while checkpoint age is below FailStartMultiplier
// times IndexRetentionDelay; from there each call fails with probability
// age / (FailAllMultiplier times IndexRetentionDelay), so the rate starts
// at FailStartMultiplier/FailAllMultiplier and reaches 100% at
// FailAllMultiplier times IndexRetentionDelay.
func (v *LeaderValidator) FailIfFallingBehind(_ context.Context) error {
	if !v.cfg.FailEnabled {
		return nil
	}
	cp := v.checkpoint.Get()
	if !cp.Set {
		return nil
	}

	age := types.NowTS().Time().Sub(cp.ConfirmedDeletedTS.Time())
	if age < 0 {
		return nil
	}

	minFailure := time.Duration(float64(v.cfg.IndexRetentionDelay) * v.cfg.FailStartMultiplier)
	maxFailure := time.Duration(float64(v.cfg.IndexRetentionDelay) * v.cfg.FailAllMultiplier)
	if age < minFailure {
		return nil
	}
	if maxFailure <= 0 {
		return newOverloadedError(types.TS(age))
	}

	ratio := float64(age) / float64(maxFailure)
	if ratio >= 1 {
		return newOverloadedError(types.TS(age))
	}
	if rand.Float64() < ratio {
		return newOverloadedError(types.TS(age))
	}
	return nil
}

var _ Validator = (*LeaderValidator)(nil)

// globalReader is the narrow persistence capability FollowerValidator
// needs: re-reading the two boundary globals the leader writes.
type globalReader interface {
	GetGlobal(ctx context.Context, key types.PersistenceGlobalKey) (types.TS, bool, error)
}

// FollowerValidator implements Validator for a process that never owns
// an Advancer or Deleter: it holds a cached SnapshotBounds, re-reads
// persistence on every validate and min-timestamp call, and advances its
// cache monotonically (spec §4.6). OptimisticValidateSnapshot and
// FailIfFallingBehind do no I/O.
type FollowerValidator struct {
	mu      sync.Mutex
	cache   types.SnapshotBounds
	globals globalReader
}

// NewFollowerValidator creates a follower validator reading through globals.
func NewFollowerValidator(globals globalReader) *FollowerValidator {
	return &FollowerValidator{globals: globals}
}

func (v *FollowerValidator) refresh(ctx context.Context) (types.SnapshotBounds, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ts, ok, err := v.globals.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS); err != nil {
		return v.cache, err
	} else if ok && ts > v.cache.MinSnapshotTS {
		v.cache.MinSnapshotTS = ts
	}
	if ts, ok, err := v.globals.GetGlobal(ctx, types.GlobalDocumentRetentionMinSnapshotTS); err != nil {
		return v.cache, err
	} else if ok && ts > v.cache.MinDocumentSnapshotTS {
		v.cache.MinDocumentSnapshotTS = ts
	}
	return v.cache, nil
}

func (v *FollowerValidator) ValidateSnapshot(ctx context.Context, ts types.TS) error {
	b, err := v.refresh(ctx)
	if err != nil {
		return err
	}
	if ts < b.MinSnapshotTS {
		return newOutOfRetentionError(types.ClassIndex, ts, b.MinSnapshotTS)
	}
	return nil
}

func (v *FollowerValidator) ValidateDocumentSnapshot(ctx context.Context, ts types.TS) error {
	b, err := v.refresh(ctx)
	if err != nil {
		return err
	}
	if ts < b.MinDocumentSnapshotTS {
		return newOutOfRetentionError(types.ClassDocument, ts, b.MinDocumentSnapshotTS)
	}
	return nil
}

// OptimisticValidateSnapshot uses the cache without any I/O.
func (v *FollowerValidator) OptimisticValidateSnapshot(ts types.TS) error {
	v.mu.Lock()
	b := v.cache
	v.mu.Unlock()
	if ts < b.MinSnapshotTS {
		return newOutOfRetentionError(types.ClassIndex, ts, b.MinSnapshotTS)
	}
	return nil
}

func (v *FollowerValidator) MinSnapshotTS(ctx context.Context) (types.TS, error) {
	b, err := v.refresh(ctx)
	return b.MinSnapshotTS, err
}

func (v *FollowerValidator) MinDocumentSnapshotTS(ctx context.Context) (types.TS, error) {
	b, err := v.refresh(ctx)
	return b.MinDocumentSnapshotTS, err
}

// FailIfFallingBehind is a no-op on followers: only the leader sheds load.
func (v *FollowerValidator) FailIfFallingBehind(_ context.Context) error {
	return nil
}

var _ Validator = (*FollowerValidator)(nil)
