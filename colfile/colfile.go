// Package colfile writes and reads the immutable columnar data files an
// index commit references. The Factory, Writer and Reader contracts keep
// the write path independent of the physical layout; the rowbin format in
// this package is the reference implementation and stores rows grouped
// into one checksummed block per cube.
package colfile

import (
	"context"
	"errors"
	"fmt"

	"github.com/arejula27/otree/core"
)

// ErrCorrupt is returned when a data file cannot be decoded: bad magic,
// unsupported version, checksum mismatch or truncated framing. A corrupt
// file is never partially readable.
var ErrCorrupt = errors.New("colfile: corrupt file")

// Kind identifies the storage type of an indexed column.
type Kind string

const (
	KindInt64   Kind = "int64"
	KindFloat64 Kind = "float64"
	KindString  Kind = "string"
	KindBytes   Kind = "bytes"
	KindBool    Kind = "bool"
	KindTime    Kind = "time"
)

// Column describes one indexed column.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema lists the indexed columns of a file in revision order. The column
// count is also the dimension count used to decode cube paths, so it is
// bounded the same way.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Dimensions returns the number of indexed columns.
func (s Schema) Dimensions() int { return len(s.Columns) }

// Validate checks column count, name uniqueness and kinds.
func (s Schema) Validate() error {
	if len(s.Columns) < 1 || len(s.Columns) > core.MaxDimensions {
		return fmt.Errorf("schema has %d columns, want 1..%d", len(s.Columns), core.MaxDimensions)
	}

	seen := make(map[string]struct{}, len(s.Columns))

	for _, c := range s.Columns {
		if c.Name == "" {
			return errors.New("schema column with empty name")
		}

		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate schema column %q", c.Name)
		}

		seen[c.Name] = struct{}{}

		switch c.Kind {
		case KindInt64, KindFloat64, KindString, KindBytes, KindBool, KindTime:
		default:
			return fmt.Errorf("schema column %q has unknown kind %q", c.Name, c.Kind)
		}
	}

	return nil
}

// Row is one indexed row bound for a data file: the cube it was routed to,
// its weight, the indexed column values in schema order and the opaque
// remainder of the record.
type Row struct {
	Cube       core.CubeID
	Weight     core.Weight
	Replicated bool
	Values     []any
	Payload    []byte
}

// BlockInfo summarizes one written block. The write path turns these into
// the block metadata recorded with the commit.
type BlockInfo struct {
	Cube         core.CubeID
	Replicated   bool
	ElementCount int64
	MinWeight    core.Weight
	MaxWeight    core.Weight
}

// Result reports what a closed writer produced.
type Result struct {
	BytesWritten int64
	RowCount     int64
	Blocks       []BlockInfo
}

// Writer appends rows to one data file. Rows must arrive grouped by cube
// and replication flag; a block is sealed whenever either changes. Close
// seals the last block and publishes the file. A writer abandoned without
// Close never becomes visible in the store.
type Writer interface {
	WriteRow(row Row) error
	Close() (Result, error)
}

// Factory creates writers for new data files.
type Factory interface {
	Create(ctx context.Context, path string, schema Schema) (Writer, error)
}
