package sequence

import "sync/atomic"

// IDGenerator issues sequence ids. Implementations must be safe for concurrent use.
type IDGenerator interface {
	Next() uint64
}

// AtomicIDGenerator is a fetch-and-increment counter. The zero value starts at 0.
type AtomicIDGenerator struct {
	n atomic.Uint64
}

func (g *AtomicIDGenerator) Next() uint64 {
	return g.n.Add(1) - 1
}

// defaultIDs is shared by every sequence created without WithIDGenerator.
// Ids are never reused within a process.
var defaultIDs = &AtomicIDGenerator{}

// SequentialIDs returns a generator that starts at start. Tests use it to
// get deterministic ids independent of the process-wide counter.
func SequentialIDs(start uint64) IDGenerator {
	g := &AtomicIDGenerator{}
	g.n.Store(start)
	return g
}
