package otree

import (
	"log/slog"

	"github.com/arejula27/otree/codec"
	"github.com/arejula27/otree/colfile"
	"github.com/arejula27/otree/commit"
	"github.com/arejula27/otree/index"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/objstore"
	"github.com/arejula27/otree/resource"
	"github.com/arejula27/otree/transform"
	"github.com/arejula27/otree/write"
)

type options struct {
	keeper       keeper.Keeper
	log          commit.Log
	store        objstore.Store
	factory      colfile.Factory
	transformers []transform.Transformer
	codec        codec.Codec
	metrics      MetricsCollector
	logger       *Logger
	controller   *resource.Controller
	maxDepth     int
	numShards    int
	concurrency  int
}

// Option configures Engine construction.
type Option func(*options)

// WithKeeper configures the coordination keeper. The default is an
// in-process keeper suitable for a single writer; clustered deployments
// pass a shared one such as the DynamoDB keeper.
func WithKeeper(k keeper.Keeper) Option {
	return func(o *options) {
		o.keeper = k
	}
}

// WithCommitLog configures the commit log index files are published to.
// The default is an in-process log; hosts embedding the engine in a real
// table format pass their own.
func WithCommitLog(log commit.Log) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithStore configures the object store index files live in. The default
// keeps them in memory.
func WithStore(s objstore.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithColumnarFactory overrides the columnar file format. The default
// writes rowbin files through the configured store.
func WithColumnarFactory(f colfile.Factory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithTransformers overrides the per-column transformers derived from the
// schema. One transformer per indexed column, in schema order.
func WithTransformers(trs ...transform.Transformer) Option {
	return func(o *options) {
		o.transformers = trs
	}
}

// WithMaxDepth bounds how deep rows may be routed. Rows that would pass
// the limit are retained at it and counted, never dropped.
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		o.maxDepth = depth
	}
}

// WithNumShards splits estimation across parallel shards. Values of one
// or less keep the single-pass indexer.
func WithNumShards(n int) Option {
	return func(o *options) {
		o.numShards = n
	}
}

// WithWriteConcurrency bounds how many index files one append writes at a
// time.
func WithWriteConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithCodec configures the codec for revision metadata. Nil restores the
// default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures operation metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger at the given level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceController throttles background optimization: worker count,
// buffered bytes and read bandwidth.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:       codec.Default,
		metrics:     NoopMetricsCollector{},
		logger:      NoopLogger(),
		maxDepth:    index.DefaultOptions.MaxDepth,
		concurrency: write.DefaultOptions.Concurrency,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
