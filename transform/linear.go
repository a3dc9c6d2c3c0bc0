package transform

import (
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
)

// KindLinear is the registered kind name of linear transformations.
const KindLinear = "linear"

func init() {
	Register(KindLinear, func(data []byte) (Transformation, error) {
		var t LinearTransformation
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		if t.Max <= t.Min {
			return nil, fmt.Errorf("linear transformation: max %v <= min %v", t.Max, t.Min)
		}
		return &t, nil
	})
}

// LinearTransformer indexes an ordered numeric or timestamp column by
// min/max scaling. Bounds come from batch statistics and only ever widen
// across revisions.
type LinearTransformer struct {
	// Column is the indexed column name.
	Column string

	// Clamp maps out-of-bounds values to the domain edges instead of forcing
	// a revision. Use for columns with a known fixed range.
	Clamp bool

	// Null, when set, is the raw-domain coordinate nil values map to. Columns
	// without a null value must filter nils upstream.
	Null *float64
}

// ColumnName implements Transformer.
func (t *LinearTransformer) ColumnName() string { return t.Column }

// Kind implements Transformer.
func (t *LinearTransformer) Kind() string { return KindLinear }

// Transformation builds a linear mapping spanning the observed bounds. Equal
// or missing bounds widen to a unit interval around the value so the scale
// is always positive.
func (t *LinearTransformer) Transformation(stats ColumnStats) (Transformation, error) {
	lo, ok := rawToFloat(stats.Min)
	if !ok {
		return nil, fmt.Errorf("column %q: unsupported min value %T", t.Column, stats.Min)
	}
	hi, ok := rawToFloat(stats.Max)
	if !ok {
		return nil, fmt.Errorf("column %q: unsupported max value %T", t.Column, stats.Max)
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	return &LinearTransformation{Min: lo, Max: hi, Clamp: t.Clamp, Null: t.Null}, nil
}

// LinearTransformation scales the raw domain [Min, Max] onto [0,1). It is
// immutable once built.
type LinearTransformation struct {
	Min   float64  `json:"min"`
	Max   float64  `json:"max"`
	Clamp bool     `json:"clamp,omitempty"`
	Null  *float64 `json:"null,omitempty"`
}

// Kind implements Transformation.
func (t *LinearTransformation) Kind() string { return KindLinear }

// Transform implements Transformation. nil maps to the configured null
// coordinate; the result is always inside [0,1).
func (t *LinearTransformation) Transform(v any) float64 {
	x, ok := rawToFloat(v)
	if !ok {
		if t.Null != nil {
			x = *t.Null
		} else {
			x = t.Min
		}
	}
	f := (x - t.Min) / (t.Max - t.Min)
	if f < 0 {
		return 0
	}
	if f >= 1 {
		return math.Nextafter(1, 0)
	}
	return f
}

// InDomain implements Transformation. Clamping transformations cover every
// value; otherwise the domain is the closed interval [Min, Max], with nil in
// domain exactly when a null coordinate is configured.
func (t *LinearTransformation) InDomain(v any) bool {
	if t.Clamp {
		return true
	}
	x, ok := rawToFloat(v)
	if !ok {
		return t.Null != nil
	}
	return x >= t.Min && x <= t.Max
}

// Merge implements Transformation: the result spans both domains.
func (t *LinearTransformation) Merge(other Transformation) (Transformation, error) {
	o, ok := other.(*LinearTransformation)
	if !ok {
		return nil, fmt.Errorf("%w: %s with %s", ErrIncompatible, t.Kind(), other.Kind())
	}
	return &LinearTransformation{
		Min:   math.Min(t.Min, o.Min),
		Max:   math.Max(t.Max, o.Max),
		Clamp: t.Clamp,
		Null:  t.Null,
	}, nil
}

// rawToFloat widens the supported raw column types to float64. Timestamps
// order by nanoseconds since the epoch.
func rawToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case time.Time:
		return float64(x.UnixNano()), true
	default:
		return 0, false
	}
}
