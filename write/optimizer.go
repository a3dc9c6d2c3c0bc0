package write

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arejula27/otree/colfile"
	"github.com/arejula27/otree/commit"
	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/index"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/model"
	"github.com/arejula27/otree/objstore"
	"github.com/arejula27/otree/resource"
)

// OptimizerOptions configures an Optimizer.
type OptimizerOptions struct {
	// Concurrency bounds how many reserved cubes are replicated at once.
	Concurrency int

	// Controller throttles the pass's memory and background workers.
	// Nil runs unthrottled.
	Controller *resource.Controller

	// Logger receives operational events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptimizerOptions are the options an Optimizer starts from.
var DefaultOptimizerOptions = OptimizerOptions{
	Concurrency: 2,
}

// OptimizeRequest is one optimization pass over a table.
type OptimizeRequest struct {
	// Status is the committed index state, rebuilt from Files.
	Status *model.IndexStatus

	// ReadVersion is the table version Status and Files were read at.
	ReadVersion int64

	// Files are the table's committed index files. Only files holding
	// source blocks of reserved cubes are opened.
	Files []model.IndexFile

	// CubeLimit caps how many cubes one pass replicates. Zero or
	// negative reserves nothing and the pass is a no-op.
	CubeLimit int
}

// OptimizeResult reports an optimization pass.
type OptimizeResult struct {
	// Version is the table version the commit produced, or the read
	// version when the pass had nothing to do.
	Version int64

	// Replicated lists the cubes this pass replicated, in pre-order.
	Replicated []core.CubeID

	// Files are the committed replica files, one per replicated cube.
	Files []model.IndexFile

	// RowsReplicated counts the row copies written.
	RowsReplicated int64
}

// Optimizer pushes copies of announced cubes' rows one level down. After a
// pass, queries that descend past an optimized cube read its children only;
// the parent's blocks stay behind for shallower reads.
type Optimizer struct {
	keeper  keeper.Keeper
	log     commit.Log
	store   objstore.Store
	factory colfile.Factory
	schema  colfile.Schema
	opts    OptimizerOptions
}

// NewOptimizer creates an Optimizer. Reads go through store, replica files
// through factory; pass a throttled store to bound read bandwidth.
func NewOptimizer(k keeper.Keeper, log commit.Log, store objstore.Store, factory colfile.Factory, schema colfile.Schema, optFns ...func(o *OptimizerOptions)) *Optimizer {
	opts := DefaultOptimizerOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Optimizer{keeper: k, log: log, store: store, factory: factory, schema: schema, opts: opts}
}

// Optimize reserves up to req.CubeLimit announced cubes, replicates each
// one level down and commits the replica files at req.ReadVersion. A pass
// that loses the commit race returns commit.ErrConflict with its
// reservations released, so a later pass can pick the cubes up again.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	if req.Status == nil || req.Status.Revision == nil {
		return nil, index.ErrNoRevision
	}
	rev := req.Status.Revision
	if got, want := o.schema.Dimensions(), rev.Dimensions(); got != want {
		return nil, fmt.Errorf("write: schema has %d indexed columns, revision %d expects %d", got, rev.ID, want)
	}

	session, err := o.keeper.BeginOptimization(ctx, rev.Table, rev.ID, req.CubeLimit)
	if err != nil {
		return nil, fmt.Errorf("write: begin optimization: %w", err)
	}
	cubes := session.CubesToOptimize
	if len(cubes) == 0 {
		if err := session.End(ctx, nil); err != nil {
			o.opts.Logger.WarnContext(ctx, "optimization release failed",
				"table", rev.Table, "session", session.ID, "error", err)
		}
		return &OptimizeResult{Version: req.ReadVersion}, nil
	}

	files, rowCount, err := o.replicate(ctx, req, cubes)
	if err != nil {
		o.abort(ctx, session, rev)
		return nil, err
	}

	version := req.ReadVersion
	if len(files) > 0 {
		version, err = o.log.Commit(ctx, commit.CommitRequest{
			TableID:     rev.Table,
			ReadVersion: req.ReadVersion,
			Adds:        files,
		})
		if err != nil {
			o.abort(ctx, session, rev)
			return nil, err
		}
	}

	if err := session.End(ctx, cubes); err != nil {
		o.opts.Logger.WarnContext(ctx, "optimization release failed",
			"table", rev.Table, "session", session.ID, "error", err)
	}
	o.opts.Logger.InfoContext(ctx, "optimization committed",
		"table", rev.Table,
		"revision", rev.ID,
		"version", version,
		"cubes", len(cubes),
		"rows", rowCount,
	)
	return &OptimizeResult{
		Version:        version,
		Replicated:     cubes,
		Files:          files,
		RowsReplicated: rowCount,
	}, nil
}

// abort releases the reservation with nothing marked replicated.
func (o *Optimizer) abort(ctx context.Context, session *keeper.OptimizationSession, rev *model.Revision) {
	if err := session.End(ctx, nil); err != nil {
		o.opts.Logger.WarnContext(ctx, "optimization release failed",
			"table", rev.Table, "session", session.ID, "error", err)
	}
}

func (o *Optimizer) replicate(ctx context.Context, req OptimizeRequest, cubes []core.CubeID) ([]model.IndexFile, int64, error) {
	files := make([]model.IndexFile, len(cubes))
	counts := make([]int64, len(cubes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, cube := range cubes {
		g.Go(func() error {
			if err := o.opts.Controller.AcquireWorker(ctx); err != nil {
				return err
			}
			defer o.opts.Controller.ReleaseWorker()
			f, n, err := o.replicateCube(ctx, req, cube)
			if err != nil {
				return fmt.Errorf("write: replicate cube %s: %w", cube, err)
			}
			files[i], counts[i] = f, n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var out []model.IndexFile
	var total int64
	for i := range files {
		if files[i].Path != "" {
			out = append(out, files[i])
		}
		total += counts[i]
	}
	return out, total, nil
}

// replicateCube copies cube's source rows into its children and writes them
// as one replica file. A cube whose source blocks turn out empty yields no
// file but still counts as replicated.
func (o *Optimizer) replicateCube(ctx context.Context, req OptimizeRequest, cube core.CubeID) (model.IndexFile, int64, error) {
	rev := req.Status.Revision
	perChild := map[core.CubeID][]colfile.Row{}
	for i := range req.Files {
		f := &req.Files[i]
		if f.RevisionID != rev.ID || !hasSourceBlock(f, cube) {
			continue
		}
		if err := o.collectCubeRows(ctx, rev, f, cube, perChild); err != nil {
			return model.IndexFile{}, 0, err
		}
	}
	if len(perChild) == 0 {
		return model.IndexFile{}, 0, nil
	}

	children := make([]core.CubeID, 0, len(perChild))
	for c := range perChild {
		children = append(children, c)
	}
	slices.SortFunc(children, core.CubeID.Compare)

	path := FilePath(rev, uuid.NewString())
	cw, err := o.factory.Create(ctx, path, o.schema)
	if err != nil {
		return model.IndexFile{}, 0, fmt.Errorf("create %s: %w", path, err)
	}
	var rowCount int64
	for _, child := range children {
		for _, row := range perChild[child] {
			row.Cube = child
			row.Replicated = true
			if err := cw.WriteRow(row); err != nil {
				return model.IndexFile{}, 0, fmt.Errorf("%s cube %s: %w", path, child, err)
			}
			rowCount++
		}
	}
	cres, err := cw.Close()
	if err != nil {
		return model.IndexFile{}, 0, fmt.Errorf("close %s: %w", path, err)
	}

	blocks := make([]model.Block, len(cres.Blocks))
	for i, bi := range cres.Blocks {
		threshold := core.MaxWeight
		if nw, ok := req.Status.CubeNormalizedWeight(bi.Cube); ok {
			threshold = nw.Weight()
		}
		blocks[i] = model.Block{
			Cube:         bi.Cube,
			RevisionID:   rev.ID,
			ElementCount: bi.ElementCount,
			MinWeight:    bi.MinWeight,
			MaxWeight:    threshold,
			Replicated:   true,
		}
	}
	return model.IndexFile{
		Path:       path,
		Size:       cres.BytesWritten,
		ModTime:    time.Now().UTC(),
		RevisionID: rev.ID,
		Blocks:     blocks,
	}, rowCount, nil
}

// collectCubeRows scans one file and routes cube's source rows to the
// children that contain them. Stored weights are kept as is.
func (o *Optimizer) collectCubeRows(ctx context.Context, rev *model.Revision, f *model.IndexFile, cube core.CubeID, perChild map[core.CubeID][]colfile.Row) error {
	if err := o.opts.Controller.AcquireMemory(ctx, f.Size); err != nil {
		return err
	}
	defer o.opts.Controller.ReleaseMemory(f.Size)

	blob, err := o.store.Open(ctx, f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer blob.Close()
	r, err := colfile.OpenReader(ctx, blob)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}
	defer r.Close()

	for {
		blk, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path, err)
		}
		if blk.Cube != cube || blk.Replicated {
			continue
		}
		for _, row := range blk.Rows {
			p, err := rev.PointOf(row.Values)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Path, err)
			}
			child := cube.ChildContaining(p)
			perChild[child] = append(perChild[child], row)
		}
	}
}

func hasSourceBlock(f *model.IndexFile, cube core.CubeID) bool {
	for i := range f.Blocks {
		if f.Blocks[i].Cube == cube && !f.Blocks[i].Replicated {
			return true
		}
	}
	return false
}
