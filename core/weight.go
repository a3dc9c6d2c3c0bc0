package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Weight is a row's sampling-priority key: a 32-bit signed integer,
// density-uniform over its range for any input distribution. Lower weights
// have higher priority to stay in shallow cubes. Weights derive from the raw
// indexed values, not from normalized coordinates, so they survive revision
// changes and re-indexing unchanged.
type Weight int32

const (
	// MinWeight is the smallest possible weight.
	MinWeight Weight = math.MinInt32

	// MaxWeight is the sentinel meaning "no upper threshold": every row's
	// weight compares less than or equal to it.
	MaxWeight Weight = math.MaxInt32
)

const weightSpan = float64(int64(MaxWeight) - int64(MinWeight))

// Fraction maps the weight onto [0, 1], with MinWeight at 0 and the
// MaxWeight sentinel at 1.
func (w Weight) Fraction() float64 {
	return float64(int64(w)-int64(MinWeight)) / weightSpan
}

// WeightFromFraction is the inverse of Fraction, clamped to the weight
// range. Rounding to nearest keeps Fraction/WeightFromFraction an exact
// round trip for every weight, which thresholding relies on.
func WeightFromFraction(f float64) Weight {
	if f <= 0 {
		return MinWeight
	}
	if f >= 1 {
		return MaxWeight
	}
	return Weight(int64(math.Round(f*weightSpan)) + int64(MinWeight))
}

// NormalizedWeight carries a cube's threshold state between writes. Values
// below 1 are a real cutoff fraction; a value of desiredCubeSize/count > 1
// encodes an unfilled cube together with its occupancy, so the next
// estimation can account for rows already present.
type NormalizedWeight float64

// NormalizedFromWeight converts a hard cutoff into threshold state.
func NormalizedFromWeight(w Weight) NormalizedWeight {
	return NormalizedWeight(w.Fraction())
}

// UnfilledNormalizedWeight encodes an open cube holding count of desired
// rows. count must be positive.
func UnfilledNormalizedWeight(desired, count int64) NormalizedWeight {
	return NormalizedWeight(float64(desired) / float64(count))
}

// Weight collapses the state back to a wire weight: open cubes (≥ 1) become
// the MaxWeight sentinel.
func (nw NormalizedWeight) Weight() Weight {
	if nw >= 1 {
		return MaxWeight
	}
	return WeightFromFraction(float64(nw))
}

// Merge combines threshold state from two passes over the same cube. The
// reciprocal of a NormalizedWeight is the cube's fill fraction, and fill
// fractions add, so the merge is harmonic: 1/(1/a + 1/b). Merging always
// tightens: the result is ≤ min(a, b).
func (nw NormalizedWeight) Merge(other NormalizedWeight) NormalizedWeight {
	return NormalizedWeight(1.0 / (1.0/float64(nw) + 1.0/float64(other)))
}

const weightSeed = "otree/weight/v1"

// HashWeight derives a row's weight from its raw indexed values. The hash is
// seed-stable: the same values always produce the same weight, in any
// process, under any revision.
func HashWeight(values []any) Weight {
	return Weight(int32(uint32(HashValues(weightSeed, values))))
}

// HashValues hashes a value tuple under a fixed seed with xxhash. Each value
// is framed with a type tag so that e.g. int64(1) and "1" cannot collide; the
// framing is the durable contract shared by weights and hashed column
// transformations.
func HashValues(seed string, values []any) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(seed)
	var buf [9]byte
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			buf[0] = 'n'
			_, _ = d.Write(buf[:1])
		case bool:
			buf[0] = 'b'
			buf[1] = 0
			if x {
				buf[1] = 1
			}
			_, _ = d.Write(buf[:2])
		case int:
			writeTagged(d, 'i', uint64(int64(x)), buf[:])
		case int32:
			writeTagged(d, 'i', uint64(int64(x)), buf[:])
		case int64:
			writeTagged(d, 'i', uint64(x), buf[:])
		case uint64:
			writeTagged(d, 'u', x, buf[:])
		case float32:
			writeTagged(d, 'f', math.Float64bits(float64(x)), buf[:])
		case float64:
			writeTagged(d, 'f', math.Float64bits(x), buf[:])
		case time.Time:
			writeTagged(d, 't', uint64(x.UnixNano()), buf[:])
		case string:
			buf[0] = 's'
			binary.LittleEndian.PutUint64(buf[1:9], uint64(len(x)))
			_, _ = d.Write(buf[:9])
			_, _ = d.WriteString(x)
		case []byte:
			buf[0] = 'r'
			binary.LittleEndian.PutUint64(buf[1:9], uint64(len(x)))
			_, _ = d.Write(buf[:9])
			_, _ = d.Write(x)
		default:
			buf[0] = '?'
			_, _ = d.Write(buf[:1])
			_, _ = d.WriteString(fmt.Sprintf("%v", x))
		}
	}
	return d.Sum64()
}

func writeTagged(d *xxhash.Digest, tag byte, v uint64, buf []byte) {
	buf[0] = tag
	binary.LittleEndian.PutUint64(buf[1:9], v)
	_, _ = d.Write(buf[:9])
}
