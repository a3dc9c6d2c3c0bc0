// Package core defines the addressing model of the OTree index: hierarchical
// cube identifiers, per-row sampling weights, and normalized points.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// MaxDimensions is the maximum number of indexed columns. Each tree level
// stores one child-selector digit per byte, so a digit must fit in [0, 2^d).
const MaxDimensions = 8

// MaxTreeDepth is the hard ceiling on cube depth supported by the point
// descent math and the wire encoding. Engines configure a (usually much
// smaller) soft limit on top of it.
const MaxTreeDepth = 32

// ErrMalformedCubeID is returned when persisted cube bytes cannot be decoded.
// Corruption is surfaced, never reinterpreted.
var ErrMalformedCubeID = errors.New("malformed cube id bytes")

// CubeID addresses one node of the space-partition tree as the path from the
// root: one byte per level, each byte the child-selector digit in [0, 2^d)
// where d is the number of indexed columns. The empty CubeID is the root.
//
// Because the representation is a plain string of digits, CubeIDs are
// comparable map keys and Go string ordering equals lexicographic path order,
// which is exactly a depth-first pre-order walk of the tree. Parent/child are
// derived by slicing; there are no stored references.
type CubeID string

// RootCube returns the root of the tree.
func RootCube() CubeID { return "" }

// IsRoot reports whether c is the root cube.
func (c CubeID) IsRoot() bool { return len(c) == 0 }

// Depth returns the number of levels below the root.
func (c CubeID) Depth() int { return len(c) }

// Parent returns the cube one level up. ok is false for the root, which has
// no parent.
func (c CubeID) Parent() (parent CubeID, ok bool) {
	if c.IsRoot() {
		return c, false
	}
	return c[:len(c)-1], true
}

// Child returns the child cube selected by digit.
func (c CubeID) Child(digit byte) CubeID {
	return c + CubeID(digit)
}

// IsAncestorOf reports whether c is a strict ancestor of o.
func (c CubeID) IsAncestorOf(o CubeID) bool {
	return len(c) < len(o) && o[:len(c)] == c
}

// Compare orders cubes in depth-first pre-order: a cube sorts before all of
// its descendants, and siblings sort by digit.
func (c CubeID) Compare(o CubeID) int {
	return strings.Compare(string(c), string(o))
}

// String renders the digit path for logs and metadata ("root", "2", "2.0.3").
func (c CubeID) String() string {
	if c.IsRoot() {
		return "root"
	}
	var sb strings.Builder
	for i := 0; i < len(c); i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(int(c[i])))
	}
	return sb.String()
}

// ChildContaining returns the child of c whose hyper-rectangle contains p.
// The digit packs one bit per dimension: bit i is set when p's coordinate in
// dimension i falls in the upper half of c's extent along that dimension.
func (c CubeID) ChildContaining(p Point) CubeID {
	return c.Child(p.digitAt(c.Depth()))
}

// CubeContaining returns the cube at the given depth whose hyper-rectangle
// contains p.
func CubeContaining(p Point, depth int) CubeID {
	c := RootCube()
	for c.Depth() < depth {
		c = c.ChildContaining(p)
	}
	return c
}

// Containers yields the chain of cubes containing p, starting at from and
// descending one level per step down to maxDepth inclusive.
func Containers(p Point, from CubeID, maxDepth int) iter.Seq[CubeID] {
	return func(yield func(CubeID) bool) {
		c := from
		for {
			if !yield(c) {
				return
			}
			if c.Depth() >= maxDepth {
				return
			}
			c = c.ChildContaining(p)
		}
	}
}

// Bytes encodes the cube for storage: uvarint depth followed by the digits
// bit-packed MSB-first, d bits per digit, zero-padded to a byte boundary.
// Two implementations agreeing on d produce identical bytes for the same
// path; this layout is the durable contract.
func (c CubeID) Bytes(dims int) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, 1+len(c)), uint64(len(c)))
	var acc uint32
	var nbits uint
	for i := 0; i < len(c); i++ {
		acc = acc<<uint(dims) | uint32(c[i])
		nbits += uint(dims)
		for nbits >= 8 {
			nbits -= 8
			buf = append(buf, byte(acc>>nbits))
		}
	}
	if nbits > 0 {
		buf = append(buf, byte(acc<<(8-nbits)))
	}
	return buf
}

// ParseCubeID decodes the Bytes layout. It validates the depth prefix, the
// payload length and the trailing padding; any mismatch returns
// ErrMalformedCubeID.
func ParseCubeID(b []byte, dims int) (CubeID, error) {
	if dims < 1 || dims > MaxDimensions {
		return "", fmt.Errorf("%w: %d dimensions", ErrMalformedCubeID, dims)
	}
	depth64, n := binary.Uvarint(b)
	if n <= 0 || depth64 > MaxTreeDepth {
		return "", fmt.Errorf("%w: bad depth prefix", ErrMalformedCubeID)
	}
	depth := int(depth64)
	packed := b[n:]
	want := (depth*dims + 7) / 8
	if len(packed) != want {
		return "", fmt.Errorf("%w: %d payload bytes, want %d", ErrMalformedCubeID, len(packed), want)
	}
	digits := make([]byte, depth)
	var acc uint32
	var nbits uint
	pos := 0
	for i := range digits {
		for nbits < uint(dims) {
			acc = acc<<8 | uint32(packed[pos])
			pos++
			nbits += 8
		}
		nbits -= uint(dims)
		digits[i] = byte(acc >> nbits)
		acc &= (1 << nbits) - 1
	}
	if acc != 0 {
		return "", fmt.Errorf("%w: nonzero padding", ErrMalformedCubeID)
	}
	return CubeID(digits), nil
}
