package retention

import (
	"fmt"
	"log"

	"github.com/sfncore/convex-retention/internal/types"
)

// OutOfRetentionError is returned by every validator call when a snapshot
// timestamp falls below the current boundary (spec §7, case 5).
type OutOfRetentionError struct {
	Class    types.RetentionClass
	TS       types.TS
	Boundary types.TS
}

func (e *OutOfRetentionError) Error() string {
	return fmt.Sprintf("retention: %s snapshot at %d is out of retention (boundary %d)", e.Class, e.TS, e.Boundary)
}

func newOutOfRetentionError(class types.RetentionClass, ts, boundary types.TS) error {
	return &OutOfRetentionError{Class: class, TS: ts, Boundary: boundary}
}

// OverloadedError is the user-observable overload error (spec §7, case 6).
// The message is preserved verbatim from the system this subsystem was
// adapted from so existing alerting on its text keeps matching.
type OverloadedError struct {
	Age types.TS
}

func (e *OverloadedError) Error() string {
	return "TooManyWritesInTimePeriod: Too many insert / update / delete operations in a short period of time. " +
		"Spread your writes out over time or throttle them to avoid errors."
}

func newOverloadedError(age types.TS) error {
	return &OverloadedError{Age: age}
}

// reportInconsistency logs a non-fatal data inconsistency (tombstone
// referenced by a later revision, or persistence returning more entries
// than requested) without aborting the calling pass. Spec §4.4.1.d and
// §4.4.2 both require progress over correctness-irrelevant anomalies.
func reportInconsistency(logger *log.Logger, format string, args ...interface{}) {
	logger.Printf("retention: inconsistent retention data: "+format, args...)
}
