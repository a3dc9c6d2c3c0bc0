package colfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/internal/hash"
	"github.com/arejula27/otree/objstore"
)

// rowbinMagic identifies a rowbin data file.
var rowbinMagic = [4]byte{'O', 'T', 'R', 'B'}

const (
	rowbinVersion = uint16(1)

	// headerFixedLen is the fixed part of the file header: magic (4),
	// version (2), flags (2), schema length (2) and reserved bytes (6).
	// The JSON schema follows immediately after.
	headerFixedLen = 16

	// blockFrameLen is the per-block frame prefix: codec (1),
	// uncompressed length (4) and stored length (4). The stored bytes and
	// a CRC32C trailer over them follow.
	blockFrameLen = 9

	blockFlagReplicated = byte(1 << 0)

	// maxBlockLen bounds both block length fields so a corrupt frame
	// cannot drive allocations.
	maxBlockLen = 1 << 30
)

// Compression selects the per-block codec of a rowbin file. Incompressible
// blocks are stored raw regardless of the configured codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Options configures the rowbin format.
type Options struct {
	// Compression is the block codec.
	Compression Compression

	// ZstdLevel is the encoder level in zstd numbering, used when
	// Compression is CompressionZstd.
	ZstdLevel int
}

// DefaultOptions are sensible defaults for index data files.
var DefaultOptions = Options{
	Compression: CompressionZstd,
	ZstdLevel:   3,
}

// Format writes rowbin files into an object store.
type Format struct {
	store objstore.Store
	opts  Options
}

// New creates a rowbin factory backed by the given store.
func New(store objstore.Store, optFns ...func(o *Options)) *Format {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Format{store: store, opts: opts}
}

var _ Factory = (*Format)(nil)

// Create opens a writer for a new file at path. The header is written
// immediately, so even a file closed without rows is a valid empty file.
func (f *Format) Create(ctx context.Context, path string, schema Schema) (Writer, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	var enc *zstd.Encoder

	if f.opts.Compression == CompressionZstd {
		var err error

		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(f.opts.ZstdLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	blob, err := f.store.Create(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := &fileWriter{
		blob:   blob,
		schema: schema,
		opts:   f.opts,
		enc:    enc,
		seen:   make(map[blockKey]struct{}),
	}

	if err := w.writeHeader(); err != nil {
		return nil, err
	}

	return w, nil
}

type fileWriter struct {
	blob   objstore.WritableBlob
	schema Schema
	opts   Options
	enc    *zstd.Encoder

	cur     *blockBuilder
	seen    map[blockKey]struct{}
	scratch []byte

	written int64
	rows    int64
	blocks  []BlockInfo

	err    error
	closed bool
}

func (w *fileWriter) writeHeader() error {
	schemaJSON, err := json.Marshal(w.schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	if len(schemaJSON) > math.MaxUint16 {
		return fmt.Errorf("schema of %d bytes exceeds header limit", len(schemaJSON))
	}

	buf := make([]byte, headerFixedLen, headerFixedLen+len(schemaJSON))
	copy(buf[0:4], rowbinMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], rowbinVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(w.opts.Compression))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(schemaJSON)))
	buf = append(buf, schemaJSON...)

	return w.write(buf)
}

// WriteRow appends one row. A cube may hold one source block and one
// replicated block per file; the rows of each must be contiguous.
func (w *fileWriter) WriteRow(row Row) error {
	if w.err != nil {
		return w.err
	}

	if w.closed {
		return errors.New("colfile: writer is closed")
	}

	if len(row.Values) != len(w.schema.Columns) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(row.Values), len(w.schema.Columns))
	}

	key := blockKey{cube: row.Cube, replicated: row.Replicated}

	if w.cur == nil || w.cur.key != key {
		if _, dup := w.seen[key]; dup {
			return fmt.Errorf("rows for cube %s are not contiguous", row.Cube)
		}

		if err := w.flushBlock(); err != nil {
			return err
		}

		w.seen[key] = struct{}{}
		w.cur = &blockBuilder{key: key}
	}

	encoded, err := encodeRow(w.scratch[:0], row, w.schema)
	if err != nil {
		return err
	}

	w.scratch = encoded
	w.cur.add(encoded, row.Weight)
	w.rows++

	return nil
}

// Close seals the last block and publishes the file.
func (w *fileWriter) Close() (Result, error) {
	if w.err != nil {
		return Result{}, w.err
	}

	if w.closed {
		return Result{}, errors.New("colfile: writer is closed")
	}

	w.closed = true

	if err := w.flushBlock(); err != nil {
		return Result{}, err
	}

	if w.enc != nil {
		w.enc.Close()
	}

	if err := w.blob.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to publish file: %w", err)
	}

	return Result{BytesWritten: w.written, RowCount: w.rows, Blocks: w.blocks}, nil
}

func (w *fileWriter) flushBlock() error {
	if w.cur == nil || w.cur.count == 0 {
		w.cur = nil
		return nil
	}

	b := w.cur
	w.cur = nil

	body := b.finish(w.schema.Dimensions())
	if len(body) > maxBlockLen {
		w.err = fmt.Errorf("block for cube %s exceeds %d bytes", b.key.cube, maxBlockLen)
		return w.err
	}

	codec, stored, err := w.compress(body)
	if err != nil {
		w.err = err
		return w.err
	}

	frame := make([]byte, blockFrameLen)
	frame[0] = byte(codec)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[5:9], uint32(len(stored)))

	if err := w.write(frame); err != nil {
		return err
	}

	if err := w.write(stored); err != nil {
		return err
	}

	var crc [4]byte

	binary.LittleEndian.PutUint32(crc[:], hash.CRC32C(stored))

	if err := w.write(crc[:]); err != nil {
		return err
	}

	w.blocks = append(w.blocks, BlockInfo{
		Cube:         b.key.cube,
		Replicated:   b.key.replicated,
		ElementCount: b.count,
		MinWeight:    b.minWeight,
		MaxWeight:    b.maxWeight,
	})

	return nil
}

// compress encodes the block body with the configured codec, storing it
// raw when compression does not shrink it.
func (w *fileWriter) compress(body []byte) (Compression, []byte, error) {
	switch w.opts.Compression {
	case CompressionNone:
		return CompressionNone, body, nil

	case CompressionLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))

		n, err := lz4.CompressBlock(body, compressed, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to compress block: %w", err)
		}

		if n == 0 || n >= len(body) {
			return CompressionNone, body, nil
		}

		return CompressionLZ4, compressed[:n], nil

	case CompressionZstd:
		compressed := w.enc.EncodeAll(body, nil)
		if len(compressed) >= len(body) {
			return CompressionNone, body, nil
		}

		return CompressionZstd, compressed, nil

	default:
		return 0, nil, fmt.Errorf("unknown compression codec %s", w.opts.Compression)
	}
}

func (w *fileWriter) write(p []byte) error {
	n, err := w.blob.Write(p)
	w.written += int64(n)

	if err != nil {
		w.err = fmt.Errorf("failed to write file: %w", err)
		return w.err
	}

	return nil
}

// blockKey identifies a block within a file: source and replicated rows of
// the same cube land in separate blocks.
type blockKey struct {
	cube       core.CubeID
	replicated bool
}

// blockBuilder accumulates the encoded rows of one block.
type blockBuilder struct {
	key       blockKey
	count     int64
	minWeight core.Weight
	maxWeight core.Weight
	rows      bytes.Buffer
}

func (b *blockBuilder) add(encoded []byte, weight core.Weight) {
	if b.count == 0 {
		b.minWeight, b.maxWeight = weight, weight
	} else {
		b.minWeight = min(b.minWeight, weight)
		b.maxWeight = max(b.maxWeight, weight)
	}

	b.rows.Write(encoded)
	b.count++
}

// finish assembles the uncompressed block body: the cube's wire bytes with
// a one-byte length prefix, the block flags, the row count and the rows.
func (b *blockBuilder) finish(dims int) []byte {
	cubeBytes := b.key.cube.Bytes(dims)

	var flags byte
	if b.key.replicated {
		flags |= blockFlagReplicated
	}

	body := make([]byte, 0, 2+len(cubeBytes)+4+b.rows.Len())
	body = append(body, byte(len(cubeBytes)))
	body = append(body, cubeBytes...)
	body = append(body, flags)
	body = binary.LittleEndian.AppendUint32(body, uint32(b.count))

	return append(body, b.rows.Bytes()...)
}

// encodeRow appends the wire form of one row: the weight as 4 little-endian
// bytes, each column value behind a presence tag, then the length-prefixed
// payload. Rows are self-delimiting given the schema, so no per-row length
// is stored.
func encodeRow(dst []byte, row Row, schema Schema) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(row.Weight))

	for i, col := range schema.Columns {
		var err error

		dst, err = encodeValue(dst, col, row.Values[i])
		if err != nil {
			return nil, err
		}
	}

	dst = binary.AppendUvarint(dst, uint64(len(row.Payload)))

	return append(dst, row.Payload...), nil
}

func encodeValue(dst []byte, col Column, v any) ([]byte, error) {
	if v == nil {
		return append(dst, 0), nil
	}

	dst = append(dst, 1)

	switch col.Kind {
	case KindInt64:
		var n int64

		switch x := v.(type) {
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		case int64:
			n = x
		default:
			return nil, fmt.Errorf("column %q: cannot store %T as int64", col.Name, v)
		}

		return binary.LittleEndian.AppendUint64(dst, uint64(n)), nil

	case KindFloat64:
		var f float64

		switch x := v.(type) {
		case float32:
			f = float64(x)
		case float64:
			f = x
		default:
			return nil, fmt.Errorf("column %q: cannot store %T as float64", col.Name, v)
		}

		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f)), nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot store %T as bool", col.Name, v)
		}

		if b {
			return append(dst, 1), nil
		}

		return append(dst, 0), nil

	case KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot store %T as time", col.Name, v)
		}

		return binary.LittleEndian.AppendUint64(dst, uint64(t.UnixNano())), nil

	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot store %T as string", col.Name, v)
		}

		dst = binary.AppendUvarint(dst, uint64(len(s)))

		return append(dst, s...), nil

	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot store %T as bytes", col.Name, v)
		}

		dst = binary.AppendUvarint(dst, uint64(len(b)))

		return append(dst, b...), nil

	default:
		return nil, fmt.Errorf("column %q has unknown kind %q", col.Name, col.Kind)
	}
}
