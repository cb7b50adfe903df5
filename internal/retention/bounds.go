package retention

import (
	"github.com/sfncore/convex-retention/internal/splitrw"
	"github.com/sfncore/convex-retention/internal/types"
)

// boundsCell wires types.SnapshotBounds through the split reader/writer
// primitive: the Advancer holds the Writer, everyone else holds Readers.
type boundsCell struct {
	reader splitrw.Reader[types.SnapshotBounds]
	writer splitrw.Writer[types.SnapshotBounds]
}

func newBoundsCell(initial types.SnapshotBounds) boundsCell {
	r, w := splitrw.New(initial)
	return boundsCell{reader: r, writer: w}
}

// checkpointCell wires types.Checkpoint through the same primitive: the
// Deleter holds the Writer.
type checkpointCell struct {
	reader splitrw.Reader[types.Checkpoint]
	writer splitrw.Writer[types.Checkpoint]
}

func newCheckpointCell(initial types.Checkpoint) checkpointCell {
	r, w := splitrw.New(initial)
	return checkpointCell{reader: r, writer: w}
}
