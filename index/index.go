package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

var (
	// ErrNoRevision is returned when a request carries no index status or
	// revision to index under.
	ErrNoRevision = errors.New("index: no revision")
)

// Request is one indexing pass over a batch of rows.
type Request struct {
	// Status is the committed state the pass starts from: revision,
	// per-cube thresholds and the announced set.
	Status *model.IndexStatus

	// IsNewRevision marks Status.Revision as freshly derived for this
	// batch; it is carried through to the resulting TableChanges.
	IsNewRevision bool

	// Rows is the batch. Order does not affect the resulting thresholds.
	Rows []model.Row
}

// Result is the outcome of indexing one batch.
type Result struct {
	// Changes is the pass delta handed to rollup and commit.
	Changes *model.TableChanges

	// Weights holds each row's weight, by batch offset.
	Weights []core.Weight

	// Placements maps each claiming cube to the batch offsets it holds.
	// Offsets in Duplicated landed there after passing through an announced
	// ancestor; they are written alongside the cube's other rows and only
	// inflate its occupancy. A row's first claim is in Placements only.
	Placements map[core.CubeID]*roaring.Bitmap
	Duplicated map[core.CubeID]*roaring.Bitmap

	// DepthOverflows counts rows whose placement was forced by the depth
	// limit. A soft limit: the rows are retained either way.
	DepthOverflows int64
}

// Indexer runs the two-phase estimation and routing over row batches.
type Indexer struct {
	opts Options
}

// New creates a new Indexer.
func New(optFns ...func(o *Options)) *Indexer {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > core.MaxTreeDepth {
		opts.MaxDepth = DefaultOptions.MaxDepth
	}
	return &Indexer{opts: opts}
}

// IndexFirst indexes the first batch of a fresh revision.
func (ix *Indexer) IndexFirst(ctx context.Context, rev *model.Revision, rows []model.Row) (*Result, error) {
	return ix.Index(ctx, Request{Status: model.NewIndexStatus(rev), IsNewRevision: true, Rows: rows})
}

// IndexNext indexes a batch on top of committed state.
func (ix *Indexer) IndexNext(ctx context.Context, status *model.IndexStatus, rows []model.Row) (*Result, error) {
	return ix.Index(ctx, Request{Status: status, Rows: rows})
}

// Index runs both phases over the request's batch.
func (ix *Indexer) Index(ctx context.Context, req Request) (*Result, error) {
	if req.Status == nil || req.Status.Revision == nil {
		return nil, ErrNoRevision
	}
	rev := req.Status.Revision

	weights, points, err := prepareRows(rev, req.Rows)
	if err != nil {
		return nil, err
	}

	capacity := ix.opts.GroupCapacity
	if capacity <= 0 {
		capacity = rev.DesiredCubeSize
	}

	announced := req.Status.AnnouncedOrReplicated

	builder := newWeightsBuilder(capacity, ix.opts.MaxDepth, announced)
	for _, i := range sortByWeight(weights, 0, len(weights)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		builder.add(points[i], weights[i])
	}
	estimates := builder.estimates(rev.DesiredCubeSize)
	merged := mergeWithStatus(estimates, req.Status)

	router := newPointRouter(merged, announced, ix.opts.MaxDepth)
	res := newResult(req, weights, estimates, merged)
	for i := range req.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claims, overflow := router.route(points[i], weights[i], core.RootCube())
		res.place(i, claims, overflow)
	}
	return res.finish(), nil
}

// prepareRows normalizes the batch: per-row weight and point.
func prepareRows(rev *model.Revision, rows []model.Row) ([]core.Weight, []core.Point, error) {
	if rev.Dimensions() < 1 || rev.Dimensions() > core.MaxDimensions {
		return nil, nil, fmt.Errorf("index: revision %d has %d indexed columns, supported range is 1..%d",
			rev.ID, rev.Dimensions(), core.MaxDimensions)
	}
	weights := make([]core.Weight, len(rows))
	points := make([]core.Point, len(rows))
	for i, row := range rows {
		p, err := rev.PointOf(row.Values)
		if err != nil {
			return nil, nil, fmt.Errorf("index: row %d: %w", i, err)
		}
		points[i] = p
		weights[i] = rev.WeightOf(row.Values)
	}
	return weights, points, nil
}

// resultBuilder accumulates routing output.
type resultBuilder struct {
	req       Request
	weights   []core.Weight
	estimates map[core.CubeID]core.NormalizedWeight
	merged    map[core.CubeID]core.NormalizedWeight

	placements map[core.CubeID]*roaring.Bitmap
	duplicated map[core.CubeID]*roaring.Bitmap
	counts     map[core.CubeID]int64
	overflows  int64
}

func newResult(req Request, weights []core.Weight, estimates, merged map[core.CubeID]core.NormalizedWeight) *resultBuilder {
	return &resultBuilder{
		req:        req,
		weights:    weights,
		estimates:  estimates,
		merged:     merged,
		placements: map[core.CubeID]*roaring.Bitmap{},
		duplicated: map[core.CubeID]*roaring.Bitmap{},
		counts:     map[core.CubeID]int64{},
	}
}

func (rb *resultBuilder) place(offset int, claims []core.CubeID, overflow bool) {
	if overflow {
		rb.overflows++
	}
	for i, c := range claims {
		into := rb.placements
		if i > 0 {
			into = rb.duplicated
		}
		bm, ok := into[c]
		if !ok {
			bm = roaring.New()
			into[c] = bm
		}
		bm.Add(uint32(offset))
		rb.counts[c]++
	}
}

func (rb *resultBuilder) finish() *Result {
	status := rb.req.Status
	cubeWeights := make(map[core.CubeID]core.Weight, len(rb.estimates))
	for c := range rb.estimates {
		cubeWeights[c] = rb.merged[c].Weight()
	}

	announced := status.Announced.Clone()
	announced.Union(status.Replicated)

	return &Result{
		Changes: &model.TableChanges{
			Revision:      status.Revision,
			IsNewRevision: rb.req.IsNewRevision,
			CubeWeights:   cubeWeights,
			CubeCounts:    rb.counts,
			Announced:     announced,
		},
		Weights:        rb.weights,
		Placements:     rb.placements,
		Duplicated:     rb.duplicated,
		DepthOverflows: rb.overflows,
	}
}
