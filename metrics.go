package otree

import (
	"errors"
	"sync/atomic"
	"time"
)

// MetricsCollector receives operation outcomes. Implement it to feed a
// monitoring system; implementations must be safe for concurrent use.
type MetricsCollector interface {
	// RecordAppend is called after each append pass. rows is the batch
	// size, files the number of files committed, overflows the placements
	// forced by the depth limit; err is nil on success.
	RecordAppend(rows, files int, overflows int64, duration time.Duration, err error)

	// RecordOptimize is called after each optimization pass. cubes is the
	// number of cubes replicated, rows the row copies written.
	RecordOptimize(cubes int, rows int64, duration time.Duration, err error)

	// RecordAnalyze is called after each announcement pass. announced is
	// the number of cubes announced.
	RecordAnalyze(announced int, duration time.Duration, err error)
}

// NoopMetricsCollector discards all measurements.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAppend(int, int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordOptimize(int, int64, time.Duration, error)    {}
func (NoopMetricsCollector) RecordAnalyze(int, time.Duration, error)            {}

// BasicMetricsCollector keeps in-memory counters. Useful for tests and
// basic monitoring without an external system.
type BasicMetricsCollector struct {
	AppendCount     atomic.Int64
	AppendErrors    atomic.Int64
	AppendNanos     atomic.Int64
	RowsIndexed     atomic.Int64
	FilesWritten    atomic.Int64
	DepthOverflows  atomic.Int64
	CommitConflicts atomic.Int64
	OptimizeCount   atomic.Int64
	OptimizeErrors  atomic.Int64
	RowsReplicated  atomic.Int64
	AnalyzeCount    atomic.Int64
	CubesAnnounced  atomic.Int64
}

// RecordAppend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAppend(rows, files int, overflows int64, duration time.Duration, err error) {
	b.AppendCount.Add(1)
	b.AppendNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AppendErrors.Add(1)
		if errors.Is(err, ErrConflict) {
			b.CommitConflicts.Add(1)
		}
		return
	}
	b.RowsIndexed.Add(int64(rows))
	b.FilesWritten.Add(int64(files))
	b.DepthOverflows.Add(overflows)
}

// RecordOptimize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOptimize(cubes int, rows int64, duration time.Duration, err error) {
	b.OptimizeCount.Add(1)
	if err != nil {
		b.OptimizeErrors.Add(1)
		if errors.Is(err, ErrConflict) {
			b.CommitConflicts.Add(1)
		}
		return
	}
	b.RowsReplicated.Add(rows)
}

// RecordAnalyze implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAnalyze(announced int, duration time.Duration, err error) {
	b.AnalyzeCount.Add(1)
	if err == nil {
		b.CubesAnnounced.Add(int64(announced))
	}
}

// GetStats returns a snapshot of the counters.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AppendCount:     b.AppendCount.Load(),
		AppendErrors:    b.AppendErrors.Load(),
		AppendAvgNanos:  b.appendAvgNanos(),
		RowsIndexed:     b.RowsIndexed.Load(),
		FilesWritten:    b.FilesWritten.Load(),
		DepthOverflows:  b.DepthOverflows.Load(),
		CommitConflicts: b.CommitConflicts.Load(),
		OptimizeCount:   b.OptimizeCount.Load(),
		OptimizeErrors:  b.OptimizeErrors.Load(),
		RowsReplicated:  b.RowsReplicated.Load(),
		AnalyzeCount:    b.AnalyzeCount.Load(),
		CubesAnnounced:  b.CubesAnnounced.Load(),
	}
}

func (b *BasicMetricsCollector) appendAvgNanos() int64 {
	count := b.AppendCount.Load()
	if count == 0 {
		return 0
	}
	return b.AppendNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AppendCount     int64
	AppendErrors    int64
	AppendAvgNanos  int64
	RowsIndexed     int64
	FilesWritten    int64
	DepthOverflows  int64
	CommitConflicts int64
	OptimizeCount   int64
	OptimizeErrors  int64
	RowsReplicated  int64
	AnalyzeCount    int64
	CubesAnnounced  int64
}
