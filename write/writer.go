// Package write runs index passes end to end. A Writer registers the pass
// with the keeper, indexes the batch, rolls small cubes up into shared
// files, writes those files through a columnar format and commits them to
// the log. An Optimizer replicates announced cubes one level down so
// deeper reads stop visiting their parents, and an Analyzer picks which
// cubes to announce next.
package write

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arejula27/otree/colfile"
	"github.com/arejula27/otree/commit"
	"github.com/arejula27/otree/index"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/model"
	"github.com/arejula27/otree/rollup"
)

// Indexer is the estimation and routing pass a Writer runs over each batch.
// *index.Indexer and *index.Sharded both satisfy it.
type Indexer interface {
	Index(ctx context.Context, req index.Request) (*index.Result, error)
}

// Options configures a Writer.
type Options struct {
	// Concurrency bounds how many group files are written at once.
	Concurrency int

	// Logger receives operational events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions are the options a Writer starts from.
var DefaultOptions = Options{
	Concurrency: 4,
}

// Batch is one write pass over a set of rows.
type Batch struct {
	// Status is the committed index state the pass starts from.
	Status *model.IndexStatus

	// ReadVersion is the table version Status was read at. The commit
	// fails with commit.ErrConflict if the table moved past it.
	ReadVersion int64

	// IsNewRevision marks Status.Revision as freshly derived for this
	// batch rather than read from the log.
	IsNewRevision bool

	// Rows is the batch. An empty batch commits nothing.
	Rows []model.Row
}

// BatchResult reports a committed write pass.
type BatchResult struct {
	// Version is the table version the commit produced. For an empty
	// batch it is the read version, unchanged.
	Version int64

	// Files are the committed index files, one per rollup group.
	Files []model.IndexFile

	// Changes is the pass delta, as handed to the commit.
	Changes *model.TableChanges

	// RowCount is the number of batch rows written.
	RowCount int64

	// DepthOverflows counts rows whose placement was forced by the
	// depth limit.
	DepthOverflows int64
}

// Writer turns row batches into committed index files.
type Writer struct {
	keeper  keeper.Keeper
	log     commit.Log
	factory colfile.Factory
	indexer Indexer
	schema  colfile.Schema
	opts    Options
}

// NewWriter creates a Writer. The schema's indexed columns must line up
// with the revisions the Writer will be handed, in order.
func NewWriter(k keeper.Keeper, log commit.Log, factory colfile.Factory, ix Indexer, schema colfile.Schema, optFns ...func(o *Options)) *Writer {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{keeper: k, log: log, factory: factory, indexer: ix, schema: schema, opts: opts}
}

// WriteBatch indexes rows against b.Status, writes the resulting files and
// commits them at b.ReadVersion. On commit.ErrConflict the caller should
// reload the table state and retry with a fresh batch; the written files
// are unreachable garbage until then.
func (w *Writer) WriteBatch(ctx context.Context, b Batch) (*BatchResult, error) {
	if b.Status == nil || b.Status.Revision == nil {
		return nil, index.ErrNoRevision
	}
	rev := b.Status.Revision
	if got, want := w.schema.Dimensions(), rev.Dimensions(); got != want {
		return nil, fmt.Errorf("write: schema has %d indexed columns, revision %d expects %d", got, rev.ID, want)
	}
	if len(b.Rows) == 0 {
		return &BatchResult{Version: b.ReadVersion}, nil
	}

	session, err := w.keeper.BeginWrite(ctx, rev.Table, rev.ID)
	if err != nil {
		return nil, fmt.Errorf("write: begin session: %w", err)
	}

	res, err := w.indexer.Index(ctx, index.Request{
		Status:        withAnnounced(b.Status, session.Announced),
		IsNewRevision: b.IsNewRevision,
		Rows:          b.Rows,
	})
	if err != nil {
		w.release(ctx, session, rev)
		return nil, err
	}

	groups := rollup.Compute(res.Changes)
	files, err := w.writeFiles(ctx, rev, b.Rows, res, groups)
	if err != nil {
		w.release(ctx, session, rev)
		return nil, err
	}

	version, err := w.log.Commit(ctx, commit.CommitRequest{
		TableID:     rev.Table,
		ReadVersion: b.ReadVersion,
		Adds:        files,
	})
	if err != nil {
		w.release(ctx, session, rev)
		return nil, err
	}

	if err := session.End(ctx); err != nil {
		w.opts.Logger.WarnContext(ctx, "write session release failed",
			"table", rev.Table,
			"session", session.ID,
			"error", err,
		)
	}
	w.opts.Logger.InfoContext(ctx, "batch committed",
		"table", rev.Table,
		"revision", rev.ID,
		"version", version,
		"rows", len(b.Rows),
		"files", len(files),
	)
	return &BatchResult{
		Version:        version,
		Files:          files,
		Changes:        res.Changes,
		RowCount:       int64(len(b.Rows)),
		DepthOverflows: res.DepthOverflows,
	}, nil
}

// withAnnounced folds the keeper's announced set into the status the pass
// routes against. The caller's status is never mutated.
func withAnnounced(status *model.IndexStatus, announced model.CubeSet) *model.IndexStatus {
	if len(announced) == 0 {
		return status
	}
	merged := *status
	merged.Announced = status.Announced.Clone()
	merged.Announced.Union(announced)
	return &merged
}

func (w *Writer) release(ctx context.Context, session *keeper.WriteSession, rev *model.Revision) {
	if err := session.End(ctx); err != nil {
		w.opts.Logger.WarnContext(ctx, "write session release failed",
			"table", rev.Table,
			"session", session.ID,
			"error", err,
		)
	}
}

func (w *Writer) writeFiles(ctx context.Context, rev *model.Revision, rows []model.Row, res *index.Result, groups *rollup.Result) ([]model.IndexFile, error) {
	files := make([]model.IndexFile, len(groups.Groups))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, grp := range groups.Groups {
		g.Go(func() error {
			f, err := w.writeGroup(ctx, rev, rows, res, grp)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// writeGroup writes one rollup group as one file. Cubes go out in the
// group's pre-order; a cube's first claims and its pass-through duplicates
// land in the same block.
func (w *Writer) writeGroup(ctx context.Context, rev *model.Revision, rows []model.Row, res *index.Result, grp rollup.Group) (model.IndexFile, error) {
	path := FilePath(rev, grp.ID.String())
	cw, err := w.factory.Create(ctx, path, w.schema)
	if err != nil {
		return model.IndexFile{}, fmt.Errorf("write: create %s: %w", path, err)
	}
	for _, cube := range grp.Cubes {
		for _, bm := range []*roaring.Bitmap{res.Placements[cube], res.Duplicated[cube]} {
			if bm == nil {
				continue
			}
			it := bm.Iterator()
			for it.HasNext() {
				off := it.Next()
				err := cw.WriteRow(colfile.Row{
					Cube:    cube,
					Weight:  res.Weights[off],
					Values:  rows[off].Values,
					Payload: rows[off].Payload,
				})
				if err != nil {
					return model.IndexFile{}, fmt.Errorf("write: %s cube %s: %w", path, cube, err)
				}
			}
		}
	}
	cres, err := cw.Close()
	if err != nil {
		return model.IndexFile{}, fmt.Errorf("write: close %s: %w", path, err)
	}

	blocks := make([]model.Block, len(cres.Blocks))
	for i, bi := range cres.Blocks {
		blocks[i] = model.Block{
			Cube:         bi.Cube,
			RevisionID:   rev.ID,
			ElementCount: bi.ElementCount,
			MinWeight:    bi.MinWeight,
			MaxWeight:    res.Changes.CubeWeight(bi.Cube),
		}
	}
	return model.IndexFile{
		Path:       path,
		Size:       cres.BytesWritten,
		DataChange: true,
		ModTime:    time.Now().UTC(),
		RevisionID: rev.ID,
		Blocks:     blocks,
	}, nil
}

// FilePath is the object key for an index file: table, then revision, then
// the file's unique name.
func FilePath(rev *model.Revision, name string) string {
	return fmt.Sprintf("%s/%d/%s.bin", rev.Table, rev.ID, name)
}
