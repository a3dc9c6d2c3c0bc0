package otree

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arejula27/otree/codec"
	"github.com/arejula27/otree/colfile"
	"github.com/arejula27/otree/commit"
	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/index"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/model"
	"github.com/arejula27/otree/objstore"
	"github.com/arejula27/otree/resource"
	"github.com/arejula27/otree/transform"
	"github.com/arejula27/otree/write"
)

// TableState is the host's snapshot of one table: the version it was read
// at and everything committed up to it. The host table format owns reading
// its log; the engine computes against the snapshot it is handed.
type TableState struct {
	// Version is the table version the snapshot was read at. Zero means
	// no commit has happened.
	Version int64

	// Revision is the table's current index revision, or nil for a table
	// with no committed index.
	Revision *model.Revision

	// Files are the live index files at Version.
	Files []model.IndexFile
}

// AppendResult reports one committed append.
type AppendResult struct {
	// Version is the table version the commit produced.
	Version int64

	// Revision is the revision the rows were indexed under.
	Revision *model.Revision

	// NewRevision reports that Revision was created by this append, either
	// for a fresh table or because the batch needed wider bounds. The host
	// must persist it next to its table metadata.
	NewRevision bool

	// Files are the committed index files.
	Files []model.IndexFile

	// RowCount is the number of rows written.
	RowCount int64

	// DepthOverflows counts placements forced by the depth limit.
	DepthOverflows int64
}

// OptimizationResult reports one optimization pass.
type OptimizationResult struct {
	// Version is the table version the pass committed, or the snapshot
	// version when there was nothing to do.
	Version int64

	// Replicated lists the cubes the pass pushed down, in pre-order.
	Replicated []core.CubeID

	// Files are the committed replica files.
	Files []model.IndexFile

	// RowsReplicated counts the row copies written.
	RowsReplicated int64
}

// Engine maintains one table's adaptive multi-dimensional index: appends
// index row batches into cube-addressed files, analysis announces the
// cubes worth pushing down, and optimization replicates them so deeper
// reads skip their parents.
type Engine struct {
	table        model.TableID
	desired      int64
	schema       colfile.Schema
	transformers []transform.Transformer

	writer    *write.Writer
	optimizer *write.Optimizer
	analyzer  *write.Analyzer

	codec   codec.Codec
	metrics MetricsCollector
	logger  *Logger

	closed atomic.Bool
}

// New creates an Engine for one table. The schema lists the indexed
// columns in order; by default numeric and time columns index linearly and
// the rest by hash. desiredCubeSize is the target row count per cube.
func New(table model.TableID, schema colfile.Schema, desiredCubeSize int64, optFns ...Option) (*Engine, error) {
	if len(schema.Columns) > core.MaxDimensions {
		return nil, fmt.Errorf("%w: %d columns, at most %d", ErrTooManyColumns, len(schema.Columns), core.MaxDimensions)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if desiredCubeSize <= 0 {
		return nil, fmt.Errorf("otree: desired cube size must be positive, got %d", desiredCubeSize)
	}

	opts := applyOptions(optFns)

	transformers := opts.transformers
	if transformers == nil {
		transformers = defaultTransformers(schema)
	}
	if len(transformers) != len(schema.Columns) {
		return nil, fmt.Errorf("otree: %d transformers for %d indexed columns", len(transformers), len(schema.Columns))
	}
	for i, tr := range transformers {
		if tr.ColumnName() != schema.Columns[i].Name {
			return nil, fmt.Errorf("otree: transformer %d indexes column %q, schema column is %q",
				i, tr.ColumnName(), schema.Columns[i].Name)
		}
	}

	kp := opts.keeper
	if kp == nil {
		kp = keeper.NewMemory()
	}
	log := opts.log
	if log == nil {
		log = commit.NewMemory()
	}
	store := opts.store
	if store == nil {
		store = objstore.NewMemory()
	}
	factory := opts.factory
	if factory == nil {
		factory = colfile.New(store)
	}

	indexOpts := func(o *index.Options) {
		o.MaxDepth = opts.maxDepth
	}
	var indexer write.Indexer
	if opts.numShards > 1 {
		indexer = index.NewSharded(opts.numShards, indexOpts)
	} else {
		indexer = index.New(indexOpts)
	}

	writer := write.NewWriter(kp, log, factory, indexer, schema, func(o *write.Options) {
		o.Concurrency = opts.concurrency
		o.Logger = opts.logger.Logger
	})
	optimizer := write.NewOptimizer(kp, log, resource.ThrottledStore(store, opts.controller), factory, schema, func(o *write.OptimizerOptions) {
		o.Controller = opts.controller
		o.Logger = opts.logger.Logger
	})

	return &Engine{
		table:        table,
		desired:      desiredCubeSize,
		schema:       schema,
		transformers: transformers,
		writer:       writer,
		optimizer:    optimizer,
		analyzer:     write.NewAnalyzer(kp),
		codec:        opts.codec,
		metrics:      opts.metrics,
		logger:       opts.logger,
	}, nil
}

// Table returns the table this engine maintains.
func (e *Engine) Table() model.TableID {
	return e.table
}

// Append indexes rows against the snapshot and commits the resulting files
// at state.Version. When the batch falls outside state.Revision's bounds
// the rows are indexed under a fresh, widened revision and the result
// carries it with NewRevision set.
//
// ErrConflict means another commit won the version race; the whole batch
// outcome is discarded. Reload the table state and append again.
func (e *Engine) Append(ctx context.Context, state TableState, rows []model.Row) (*AppendResult, error) {
	start := time.Now()
	res, err := e.append(ctx, state, rows)

	var files int
	var overflows, version int64
	if res != nil {
		files, overflows, version = len(res.Files), res.DepthOverflows, res.Version
	}
	e.metrics.RecordAppend(len(rows), files, overflows, time.Since(start), err)
	e.logger.LogAppend(ctx, e.table, len(rows), version, err)
	return res, err
}

func (e *Engine) append(ctx context.Context, state TableState, rows []model.Row) (*AppendResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(rows) == 0 {
		return &AppendResult{Version: state.Version, Revision: state.Revision}, nil
	}

	rev, isNew, err := e.resolveRevision(state.Revision, rows)
	if err != nil {
		return nil, translateError(err)
	}

	status := model.NewIndexStatus(rev)
	if !isNew {
		status = model.StatusFromFiles(rev, state.Files)
	}

	bres, err := e.writer.WriteBatch(ctx, write.Batch{
		Status:        status,
		ReadVersion:   state.Version,
		IsNewRevision: isNew,
		Rows:          rows,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &AppendResult{
		Version:        bres.Version,
		Revision:       rev,
		NewRevision:    isNew,
		Files:          bres.Files,
		RowCount:       bres.RowCount,
		DepthOverflows: bres.DepthOverflows,
	}, nil
}

// resolveRevision picks the revision a batch is indexed under: the current
// one when it covers the batch's bounds, a widened successor when it does
// not, and the table's first revision when there is none yet.
func (e *Engine) resolveRevision(current *model.Revision, rows []model.Row) (*model.Revision, bool, error) {
	sb := transform.NewStatsBuilder(len(e.schema.Columns))
	for i := range rows {
		sb.Observe(rows[i].Values)
	}
	stats := sb.Stats()

	if current == nil {
		txs := make([]transform.Transformation, len(e.transformers))
		for i, tr := range e.transformers {
			tx, err := tr.Transformation(stats[i])
			if err != nil {
				return nil, false, fmt.Errorf("otree: column %q: %w", tr.ColumnName(), err)
			}
			txs[i] = tx
		}
		return model.NewRevision(e.table, e.desired, txs), true, nil
	}

	if current.Table != e.table {
		return nil, false, fmt.Errorf("otree: snapshot revision belongs to table %q, engine maintains %q", current.Table, e.table)
	}
	if current.CoversStats(stats) {
		return current, false, nil
	}
	revised, changed, err := transform.Revise(current.Transformations, e.transformers, stats)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}
	return current.Next(revised), true, nil
}

// Analyze announces up to limit cubes for the next optimization passes,
// moving the replication frontier outward from the root. It returns the
// cubes announced, shallowest first.
func (e *Engine) Analyze(ctx context.Context, state TableState, limit int) ([]core.CubeID, error) {
	start := time.Now()
	announced, err := e.analyze(ctx, state, limit)
	e.metrics.RecordAnalyze(len(announced), time.Since(start), err)
	e.logger.LogAnalyze(ctx, e.table, len(announced), err)
	return announced, err
}

func (e *Engine) analyze(ctx context.Context, state TableState, limit int) ([]core.CubeID, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if state.Revision == nil {
		return nil, nil
	}
	announced, err := e.analyzer.Analyze(ctx, model.StatusFromFiles(state.Revision, state.Files), limit)
	if err != nil {
		return nil, translateError(err)
	}
	return announced, nil
}

// Optimize replicates up to cubeLimit announced cubes one level down and
// commits the replica files at state.Version. A pass with nothing reserved
// is a no-op. ErrConflict releases the pass's reservations so a later pass
// picks the cubes up again.
func (e *Engine) Optimize(ctx context.Context, state TableState, cubeLimit int) (*OptimizationResult, error) {
	start := time.Now()
	res, err := e.optimize(ctx, state, cubeLimit)

	var cubes int
	var rows, version int64
	if res != nil {
		cubes, rows, version = len(res.Replicated), res.RowsReplicated, res.Version
	}
	e.metrics.RecordOptimize(cubes, rows, time.Since(start), err)
	e.logger.LogOptimize(ctx, e.table, cubes, rows, version, err)
	return res, err
}

func (e *Engine) optimize(ctx context.Context, state TableState, cubeLimit int) (*OptimizationResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if state.Revision == nil {
		return &OptimizationResult{Version: state.Version}, nil
	}
	ores, err := e.optimizer.Optimize(ctx, write.OptimizeRequest{
		Status:      model.StatusFromFiles(state.Revision, state.Files),
		ReadVersion: state.Version,
		Files:       state.Files,
		CubeLimit:   cubeLimit,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &OptimizationResult{
		Version:        ores.Version,
		Replicated:     ores.Replicated,
		Files:          ores.Files,
		RowsReplicated: ores.RowsReplicated,
	}, nil
}

// Status rebuilds the snapshot's index status from its committed file
// metadata: per-cube thresholds, occupancy and the replicated set.
func (e *Engine) Status(state TableState) (*model.IndexStatus, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if state.Revision == nil {
		return nil, index.ErrNoRevision
	}
	return model.StatusFromFiles(state.Revision, state.Files), nil
}

// MarshalRevision encodes a revision descriptor with the engine's codec.
// Hosts persist the bytes in their table metadata next to the commit that
// introduced the revision.
func (e *Engine) MarshalRevision(rev *model.Revision) ([]byte, error) {
	return e.codec.Marshal(rev)
}

// UnmarshalRevision decodes a revision descriptor. Metadata referencing an
// unregistered transformation kind surfaces ErrUnknownTransformer.
func (e *Engine) UnmarshalRevision(data []byte) (*model.Revision, error) {
	var rev model.Revision
	if err := e.codec.Unmarshal(data, &rev); err != nil {
		return nil, translateError(err)
	}
	return &rev, nil
}

// Close marks the engine closed; later operations return ErrClosed. The
// engine holds no resources of its own, so collaborators passed in by the
// caller stay open.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closed.Store(true)
	return nil
}

// defaultTransformers derives one transformer per schema column: ordered
// kinds index linearly, the rest by hash.
func defaultTransformers(schema colfile.Schema) []transform.Transformer {
	trs := make([]transform.Transformer, len(schema.Columns))
	for i, col := range schema.Columns {
		switch col.Kind {
		case colfile.KindInt64, colfile.KindFloat64, colfile.KindTime:
			trs[i] = &transform.LinearTransformer{Column: col.Name}
		default:
			trs[i] = &transform.HashTransformer{Column: col.Name}
		}
	}
	return trs
}
