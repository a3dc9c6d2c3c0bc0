package index

// Options contains configuration for the indexer.
type Options struct {
	// MaxDepth is the deepest cube rows may be routed to. Rows that would
	// descend further are retained at this depth and counted in the result's
	// DepthOverflows; running into the limit is never an error.
	MaxDepth int

	// GroupCapacity caps how many batch rows one estimation accumulator
	// absorbs before fixing a cutoff. Zero means the revision's desired cube
	// size; sharded indexing divides it among workers.
	GroupCapacity int64
}

// DefaultOptions returns default indexer options.
var DefaultOptions = Options{
	MaxDepth: 16,
}
