package colfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/internal/hash"
	"github.com/arejula27/otree/objstore"
)

// Block is one decoded cube block. Row values and payloads alias the
// block's decode buffer, which is never reused, so they stay valid across
// further Next calls.
type Block struct {
	Cube       core.CubeID
	Replicated bool
	Rows       []Row
}

// Reader streams the blocks of one rowbin file in written order.
type Reader struct {
	rc     io.ReadCloser
	br     *bufio.Reader
	schema Schema
	dec    *zstd.Decoder
}

// OpenReader validates the file header and returns a block reader.
func OpenReader(ctx context.Context, blob objstore.Blob) (*Reader, error) {
	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open file stream: %w", err)
	}

	br := bufio.NewReader(rc)

	var fixed [headerFixedLen]byte

	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}

	if !bytes.Equal(fixed[0:4], rowbinMagic[:]) {
		rc.Close()
		return nil, fmt.Errorf("%w: invalid header magic", ErrCorrupt)
	}

	if version := binary.LittleEndian.Uint16(fixed[4:6]); version != rowbinVersion {
		rc.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	schemaJSON := make([]byte, binary.LittleEndian.Uint16(fixed[8:10]))

	if _, err := io.ReadFull(br, schemaJSON); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: truncated schema", ErrCorrupt)
	}

	var schema Schema

	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: undecodable schema: %v", ErrCorrupt, err)
	}

	if err := schema.Validate(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("%w: invalid schema: %v", ErrCorrupt, err)
	}

	return &Reader{rc: rc, br: br, schema: schema}, nil
}

// Schema returns the file's column schema.
func (r *Reader) Schema() Schema { return r.schema }

// Close releases the underlying stream.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}

	return r.rc.Close()
}

// Next returns the next block, or io.EOF after the last one.
func (r *Reader) Next() (*Block, error) {
	var frame [blockFrameLen]byte

	if _, err := io.ReadFull(r.br, frame[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("%w: truncated block frame", ErrCorrupt)
	}

	codec := Compression(frame[0])
	uncompressedLen := int(binary.LittleEndian.Uint32(frame[1:5]))
	storedLen := int(binary.LittleEndian.Uint32(frame[5:9]))

	if uncompressedLen <= 0 || uncompressedLen > maxBlockLen || storedLen <= 0 || storedLen > maxBlockLen {
		return nil, fmt.Errorf("%w: implausible block lengths %d/%d", ErrCorrupt, uncompressedLen, storedLen)
	}

	stored := make([]byte, storedLen)

	if _, err := io.ReadFull(r.br, stored); err != nil {
		return nil, fmt.Errorf("%w: truncated block", ErrCorrupt)
	}

	var crc [4]byte

	if _, err := io.ReadFull(r.br, crc[:]); err != nil {
		return nil, fmt.Errorf("%w: missing block checksum", ErrCorrupt)
	}

	if hash.CRC32C(stored) != binary.LittleEndian.Uint32(crc[:]) {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorrupt)
	}

	body, err := r.decompress(codec, stored, uncompressedLen)
	if err != nil {
		return nil, err
	}

	return r.parseBlock(body)
}

func (r *Reader) decompress(codec Compression, stored []byte, uncompressedLen int) ([]byte, error) {
	switch codec {
	case CompressionNone:
		if len(stored) != uncompressedLen {
			return nil, fmt.Errorf("%w: raw block length disagrees with frame", ErrCorrupt)
		}

		return stored, nil

	case CompressionLZ4:
		body := make([]byte, uncompressedLen)

		n, err := lz4.UncompressBlock(stored, body)
		if err != nil || n != uncompressedLen {
			return nil, fmt.Errorf("%w: lz4 block does not decompress", ErrCorrupt)
		}

		return body, nil

	case CompressionZstd:
		if r.dec == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}

			r.dec = dec
		}

		body, err := r.dec.DecodeAll(stored, make([]byte, 0, uncompressedLen))
		if err != nil || len(body) != uncompressedLen {
			return nil, fmt.Errorf("%w: zstd block does not decompress", ErrCorrupt)
		}

		return body, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression codec %d", ErrCorrupt, uint8(codec))
	}
}

func (r *Reader) parseBlock(body []byte) (*Block, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty block body", ErrCorrupt)
	}

	cubeLen := int(body[0])
	rest := body[1:]

	if len(rest) < cubeLen+5 {
		return nil, fmt.Errorf("%w: truncated block header", ErrCorrupt)
	}

	cube, err := core.ParseCubeID(rest[:cubeLen], r.schema.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	flags := rest[cubeLen]
	count := int(binary.LittleEndian.Uint32(rest[cubeLen+1 : cubeLen+5]))
	rest = rest[cubeLen+5:]

	// Every row carries at least the weight, one presence tag per column
	// and a payload length byte, which bounds plausible counts.
	minRow := int64(4 + len(r.schema.Columns) + 1)
	if int64(count)*minRow > int64(len(rest)) {
		return nil, fmt.Errorf("%w: row count %d overflows block", ErrCorrupt, count)
	}

	replicated := flags&blockFlagReplicated != 0
	rows := make([]Row, 0, count)

	for range count {
		row, next, err := decodeRow(rest, r.schema)
		if err != nil {
			return nil, err
		}

		row.Cube = cube
		row.Replicated = replicated
		rows = append(rows, row)
		rest = next
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in block", ErrCorrupt, len(rest))
	}

	return &Block{Cube: cube, Replicated: replicated, Rows: rows}, nil
}

func decodeRow(b []byte, schema Schema) (Row, []byte, error) {
	if len(b) < 4 {
		return Row{}, nil, fmt.Errorf("%w: truncated row", ErrCorrupt)
	}

	row := Row{
		Weight: core.Weight(int32(binary.LittleEndian.Uint32(b[:4]))),
		Values: make([]any, len(schema.Columns)),
	}
	b = b[4:]

	for i, col := range schema.Columns {
		v, rest, err := decodeValue(b, col)
		if err != nil {
			return Row{}, nil, err
		}

		row.Values[i] = v
		b = rest
	}

	n, size := binary.Uvarint(b)
	if size <= 0 || uint64(len(b)-size) < n {
		return Row{}, nil, fmt.Errorf("%w: truncated row payload", ErrCorrupt)
	}

	b = b[size:]

	if n > 0 {
		row.Payload = b[:n]
		b = b[n:]
	}

	return row, b, nil
}

func decodeValue(b []byte, col Column) (any, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
	}

	tag := b[0]
	b = b[1:]

	switch tag {
	case 0:
		return nil, b, nil
	case 1:
	default:
		return nil, nil, fmt.Errorf("%w: bad value tag %d", ErrCorrupt, tag)
	}

	switch col.Kind {
	case KindInt64:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		return int64(binary.LittleEndian.Uint64(b[:8])), b[8:], nil

	case KindFloat64:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		return math.Float64frombits(binary.LittleEndian.Uint64(b[:8])), b[8:], nil

	case KindBool:
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		return b[0] != 0, b[1:], nil

	case KindTime:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		return time.Unix(0, int64(binary.LittleEndian.Uint64(b[:8]))).UTC(), b[8:], nil

	case KindString:
		n, size := binary.Uvarint(b)
		if size <= 0 || uint64(len(b)-size) < n {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		b = b[size:]

		return string(b[:n]), b[n:], nil

	case KindBytes:
		n, size := binary.Uvarint(b)
		if size <= 0 || uint64(len(b)-size) < n {
			return nil, nil, fmt.Errorf("%w: truncated value", ErrCorrupt)
		}

		b = b[size:]

		return b[:n], b[n:], nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown column kind %q", ErrCorrupt, col.Kind)
	}
}
