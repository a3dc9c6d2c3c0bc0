package transform

// StatsBuilder accumulates per-column value bounds over a batch. Only
// values with an ordered widening (numbers, timestamps) contribute bounds;
// columns of other types keep zero stats, which transformers that do not
// order their domain ignore.
type StatsBuilder struct {
	stats []ColumnStats
	seen  []bool
}

// NewStatsBuilder returns a builder for the given number of indexed columns.
func NewStatsBuilder(columns int) *StatsBuilder {
	return &StatsBuilder{
		stats: make([]ColumnStats, columns),
		seen:  make([]bool, columns),
	}
}

// Observe folds one row's indexed values in. Nil values never contribute
// bounds; extra values beyond the configured column count are ignored.
func (b *StatsBuilder) Observe(values []any) {
	n := min(len(values), len(b.stats))
	for i := range n {
		v := values[i]
		if v == nil {
			continue
		}
		x, ok := rawToFloat(v)
		if !ok {
			continue
		}
		if !b.seen[i] {
			b.stats[i] = ColumnStats{Min: v, Max: v}
			b.seen[i] = true
			continue
		}
		if lo, _ := rawToFloat(b.stats[i].Min); x < lo {
			b.stats[i].Min = v
		}
		if hi, _ := rawToFloat(b.stats[i].Max); x > hi {
			b.stats[i].Max = v
		}
	}
}

// Stats returns the accumulated bounds, one entry per column. Columns that
// never saw an orderable value hold zero stats.
func (b *StatsBuilder) Stats() []ColumnStats {
	return b.stats
}
