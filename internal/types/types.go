// Package types defines the data model shared by the retention subsystem:
// timestamps, index descriptors, index entries, and the small set of
// persisted global keys retention owns.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// TS is a totally ordered, monotonic logical timestamp. It mirrors the
// document log's revision timestamp, not wall-clock time directly, though
// NowTS derives one from wall-clock time for callers outside a transaction.
type TS int64

// TSMin denotes "no retention boundary yet" / "beginning of time".
const TSMin TS = 0

// TSMax is the largest representable timestamp, used as an open upper bound.
const TSMax TS = 1<<63 - 1

// NowTS returns the current wall-clock time as a TS, nanosecond precision.
func NowTS() TS {
	return TS(time.Now().UnixNano())
}

// Time converts ts to a time.Time, assuming nanosecond-since-epoch encoding.
func (ts TS) Time() time.Time {
	return time.Unix(0, int64(ts))
}

// Pred returns the predecessor timestamp. It panics if ts is already TSMin;
// callers must not call Pred on a timestamp that has no predecessor.
func (ts TS) Pred() TS {
	if ts <= TSMin {
		panic("types: Pred called on TS with no predecessor")
	}
	return ts - 1
}

// Sub subtracts a duration, saturating at TSMin rather than going negative.
func (ts TS) Sub(d time.Duration) TS {
	delta := TS(d.Nanoseconds())
	if delta >= ts {
		return TSMin
	}
	return ts - delta
}

// Before reports whether ts is strictly less than other.
func (ts TS) Before(other TS) bool { return ts < other }

// RetentionClass selects which boundary (and which persisted global key)
// a given operation concerns.
type RetentionClass int

const (
	// ClassIndex governs index-entry retention.
	ClassIndex RetentionClass = iota
	// ClassDocument governs document retention.
	ClassDocument
)

func (c RetentionClass) String() string {
	switch c {
	case ClassIndex:
		return "index"
	case ClassDocument:
		return "document"
	default:
		return fmt.Sprintf("RetentionClass(%d)", int(c))
	}
}

// SnapshotBounds is the pair of retention boundaries readers validate
// snapshot timestamps against.
type SnapshotBounds struct {
	MinSnapshotTS         TS
	MinDocumentSnapshotTS TS
}

// Checkpoint is the deleter's confirmed-deleted timestamp. A nil-valued
// checkpoint (Set == false) means no deletion pass has ever completed.
type Checkpoint struct {
	ConfirmedDeletedTS TS
	Set                bool
}

// TSOrMin returns the checkpoint's timestamp, or TSMin if unset — the
// same clamp the original document-boundary computation performs.
func (c Checkpoint) TSOrMin() TS {
	if !c.Set {
		return TSMin
	}
	return c.ConfirmedDeletedTS
}

// IndexState is the on-disk lifecycle state of a database index.
type IndexState int

const (
	// IndexBackfilling indexes are still being built and are excluded
	// from retention's accumulated index set.
	IndexBackfilling IndexState = iota
	// IndexEnabled indexes are live and participate in retention.
	IndexEnabled
)

// IndexDescriptor describes one database index as observed in the index
// metadata table.
type IndexDescriptor struct {
	IndexID       string
	TableID       string
	Name          string
	IndexedFields []string
	State         IndexState
}

// SplitKey is an index key split into a fixed-size prefix (used for the
// primary-key range scan) and a variable-length suffix, mirroring
// common::index::SplitKey in the system this subsystem was adapted from.
type SplitKey struct {
	Prefix []byte
	Suffix []byte
}

// splitKeyPrefixLen is the number of leading bytes stored as the prefix;
// the remainder becomes the suffix. Chosen to match indexes.go's 2-byte
// field-width idiom extended to a fixed 8-byte sortable prefix.
const splitKeyPrefixLen = 8

// NewSplitKey splits a full index key into prefix/suffix.
func NewSplitKey(key []byte) SplitKey {
	if len(key) <= splitKeyPrefixLen {
		prefix := make([]byte, splitKeyPrefixLen)
		copy(prefix, key)
		return SplitKey{Prefix: prefix}
	}
	prefix := make([]byte, splitKeyPrefixLen)
	copy(prefix, key[:splitKeyPrefixLen])
	suffix := make([]byte, len(key)-splitKeyPrefixLen)
	copy(suffix, key[splitKeyPrefixLen:])
	return SplitKey{Prefix: prefix, Suffix: suffix}
}

// Join reassembles the full key from its prefix and suffix.
func (k SplitKey) Join() []byte {
	full := make([]byte, 0, len(k.Prefix)+len(k.Suffix))
	full = append(full, k.Prefix...)
	full = append(full, k.Suffix...)
	return full
}

// KeySHA256 hashes the full key for shard assignment, per spec §4.4.2 and
// §9's "sharding by hash for contention avoidance" note.
func KeySHA256(key []byte) [32]byte {
	return sha256.Sum256(key)
}

// ShardFor deterministically assigns a hashed key to one of n shards.
func ShardFor(keySHA256 [32]byte, n int) int {
	if n <= 0 {
		return 0
	}
	h := binary.BigEndian.Uint64(keySHA256[:8])
	return int(h % uint64(n))
}

// IndexEntry is the unit the deleter operates on.
type IndexEntry struct {
	IndexID   string
	Key       SplitKey
	KeySHA256 [32]byte
	TS        TS
	Deleted   bool
}

// PersistenceGlobalKey names the three i64 cells retention owns.
type PersistenceGlobalKey string

const (
	// GlobalRetentionMinSnapshotTS is the index boundary.
	GlobalRetentionMinSnapshotTS PersistenceGlobalKey = "retention_min_snapshot_ts"
	// GlobalDocumentRetentionMinSnapshotTS is the document boundary.
	GlobalDocumentRetentionMinSnapshotTS PersistenceGlobalKey = "document_retention_min_snapshot_ts"
	// GlobalRetentionConfirmedDeletedTS is the deleter's checkpoint.
	GlobalRetentionConfirmedDeletedTS PersistenceGlobalKey = "retention_confirmed_deleted_ts"
)

// TimestampRange is an inclusive-inclusive range of revision timestamps.
type TimestampRange struct {
	Start TS
	End   TS
}

// AllTime returns a range covering every timestamp.
func AllTime() TimestampRange { return TimestampRange{Start: TSMin, End: TSMax} }

// Contains reports whether ts falls within the range.
func (r TimestampRange) Contains(ts TS) bool { return ts >= r.Start && ts <= r.End }

// Order specifies sort order for range/index scans.
type Order int

const (
	// Asc sorts ascending.
	Asc Order = iota
	// Desc sorts descending.
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "DESC"
	}
	return "ASC"
}

// Interval represents a key range for index scans, start inclusive, end
// exclusive; nil bounds mean unbounded on that side.
type Interval struct {
	Start []byte
	End   []byte
}

// All returns an interval covering every key.
func All() Interval { return Interval{} }
