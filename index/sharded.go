package index

import (
	"context"
	"runtime"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

// minRowsPerShard is the batch size below which sharding costs more than it
// saves.
const minRowsPerShard = 512

// Sharded distributes an indexing pass across workers. Each worker estimates
// over a contiguous chunk of the batch at full capacity; because the chunks
// are disjoint, per-cube fill fractions add, and the harmonic merge of the
// partial estimates converges on the thresholds a single pass over the whole
// batch would fix. Routing then fans out over the shared merged thresholds.
type Sharded struct {
	opts   Options
	shards int
}

// NewSharded creates a sharded indexer. shards <= 0 uses GOMAXPROCS.
func NewSharded(shards int, optFns ...func(o *Options)) *Sharded {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > core.MaxTreeDepth {
		opts.MaxDepth = DefaultOptions.MaxDepth
	}
	if shards <= 0 {
		shards = runtime.GOMAXPROCS(0)
	}
	return &Sharded{opts: opts, shards: shards}
}

// IndexFirst indexes the first batch of a fresh revision.
func (s *Sharded) IndexFirst(ctx context.Context, rev *model.Revision, rows []model.Row) (*Result, error) {
	return s.Index(ctx, Request{Status: model.NewIndexStatus(rev), IsNewRevision: true, Rows: rows})
}

// IndexNext indexes a batch on top of committed state.
func (s *Sharded) IndexNext(ctx context.Context, status *model.IndexStatus, rows []model.Row) (*Result, error) {
	return s.Index(ctx, Request{Status: status, Rows: rows})
}

// Index runs both phases, fanned out over the configured shard count.
func (s *Sharded) Index(ctx context.Context, req Request) (*Result, error) {
	if req.Status == nil || req.Status.Revision == nil {
		return nil, ErrNoRevision
	}
	shards := s.shards
	if len(req.Rows) < shards*minRowsPerShard {
		inner := &Indexer{opts: s.opts}
		return inner.Index(ctx, req)
	}
	rev := req.Status.Revision

	weights, points, err := prepareRows(rev, req.Rows)
	if err != nil {
		return nil, err
	}

	capacity := s.opts.GroupCapacity
	if capacity <= 0 {
		capacity = rev.DesiredCubeSize
	}

	announced := req.Status.AnnouncedOrReplicated
	bounds := shardBounds(len(req.Rows), shards)

	partialEstimates := make([]map[core.CubeID]core.NormalizedWeight, shards)
	g, gctx := errgroup.WithContext(ctx)
	for si := 0; si < shards; si++ {
		g.Go(func() error {
			b := newWeightsBuilder(capacity, s.opts.MaxDepth, announced)
			for _, i := range sortByWeight(weights, bounds[si], bounds[si+1]) {
				if err := gctx.Err(); err != nil {
					return err
				}
				b.add(points[i], weights[i])
			}
			partialEstimates[si] = b.estimates(rev.DesiredCubeSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	estimates := map[core.CubeID]core.NormalizedWeight{}
	for _, pe := range partialEstimates {
		mergeEstimates(estimates, pe)
	}
	merged := mergeWithStatus(estimates, req.Status)

	router := newPointRouter(merged, announced, s.opts.MaxDepth)
	partials := make([]*resultBuilder, shards)
	g, gctx = errgroup.WithContext(ctx)
	for si := 0; si < shards; si++ {
		g.Go(func() error {
			rb := newResult(req, weights, estimates, merged)
			for i := bounds[si]; i < bounds[si+1]; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				claims, overflow := router.route(points[i], weights[i], core.RootCube())
				rb.place(i, claims, overflow)
			}
			partials[si] = rb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	final := newResult(req, weights, estimates, merged)
	for _, rb := range partials {
		orInto(final.placements, rb.placements)
		orInto(final.duplicated, rb.duplicated)
		for c, n := range rb.counts {
			final.counts[c] += n
		}
		final.overflows += rb.overflows
	}
	return final.finish(), nil
}

// shardBounds splits n rows into contiguous, near-equal chunks.
func shardBounds(n, shards int) []int {
	bounds := make([]int, shards+1)
	for i := 0; i <= shards; i++ {
		bounds[i] = i * n / shards
	}
	return bounds
}

// orInto folds src bitmaps into dst. Shard offsets are disjoint, so the
// union is exact.
func orInto(dst, src map[core.CubeID]*roaring.Bitmap) {
	for c, bm := range src {
		if cur, ok := dst[c]; ok {
			cur.Or(bm)
		} else {
			dst[c] = bm
		}
	}
}
