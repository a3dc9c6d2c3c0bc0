package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/transform"
)

// Revision is one immutable generation of the index layout: the set of
// column transformations (and thus the value bounds) every file written
// under it was normalized with. Widening bounds produces a new Revision with
// the next ID; files written under old revisions are never rewritten.
type Revision struct {
	ID              int64
	Table           TableID
	DesiredCubeSize int64
	CreatedAt       time.Time
	Transformations []transform.Transformation
}

// NewRevision builds the first revision of a table.
func NewRevision(table TableID, desiredCubeSize int64, txs []transform.Transformation) *Revision {
	return &Revision{
		ID:              1,
		Table:           table,
		DesiredCubeSize: desiredCubeSize,
		CreatedAt:       time.Now().UTC(),
		Transformations: txs,
	}
}

// Dimensions returns the number of indexed columns.
func (r *Revision) Dimensions() int { return len(r.Transformations) }

// Next derives the successor revision carrying widened transformations.
func (r *Revision) Next(txs []transform.Transformation) *Revision {
	return &Revision{
		ID:              r.ID + 1,
		Table:           r.Table,
		DesiredCubeSize: r.DesiredCubeSize,
		CreatedAt:       time.Now().UTC(),
		Transformations: txs,
	}
}

// PointOf normalizes one row's indexed values into the unit hyper-cube.
func (r *Revision) PointOf(values []any) (core.Point, error) {
	if len(values) != len(r.Transformations) {
		return nil, fmt.Errorf("revision %d: %d values for %d indexed columns",
			r.ID, len(values), len(r.Transformations))
	}
	p := make(core.Point, len(values))
	for i, tx := range r.Transformations {
		p[i] = tx.Transform(values[i])
	}
	return p, nil
}

// WeightOf computes the row's sampling weight from its raw values. Weights
// do not depend on the revision's bounds, so they survive revision changes.
func (r *Revision) WeightOf(values []any) core.Weight {
	return core.HashWeight(values)
}

// CoversStats reports whether every column's observed bounds fall inside the
// revision's transformation domains. A false result means the batch needs a
// new revision before indexing.
func (r *Revision) CoversStats(stats []transform.ColumnStats) bool {
	if len(stats) != len(r.Transformations) {
		return false
	}
	for i, tx := range r.Transformations {
		if !tx.InDomain(stats[i].Min) || !tx.InDomain(stats[i].Max) {
			return false
		}
	}
	return true
}

type revisionJSON struct {
	ID              int64             `json:"id"`
	Table           TableID           `json:"table"`
	DesiredCubeSize int64             `json:"desiredCubeSize"`
	CreatedAt       time.Time         `json:"createdAt"`
	Transformations []json.RawMessage `json:"transformations"`
}

// MarshalJSON encodes the revision with each transformation wrapped in its
// registry envelope.
func (r *Revision) MarshalJSON() ([]byte, error) {
	txs := make([]json.RawMessage, len(r.Transformations))
	for i, tx := range r.Transformations {
		data, err := transform.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("revision %d: transformation %d: %w", r.ID, i, err)
		}
		txs[i] = data
	}
	return json.Marshal(revisionJSON{
		ID:              r.ID,
		Table:           r.Table,
		DesiredCubeSize: r.DesiredCubeSize,
		CreatedAt:       r.CreatedAt,
		Transformations: txs,
	})
}

// UnmarshalJSON decodes a revision, resolving transformation kinds through
// the transform registry.
func (r *Revision) UnmarshalJSON(data []byte) error {
	var aux revisionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	txs := make([]transform.Transformation, len(aux.Transformations))
	for i, raw := range aux.Transformations {
		tx, err := transform.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("revision %d: transformation %d: %w", aux.ID, i, err)
		}
		txs[i] = tx
	}
	r.ID = aux.ID
	r.Table = aux.Table
	r.DesiredCubeSize = aux.DesiredCubeSize
	r.CreatedAt = aux.CreatedAt
	r.Transformations = txs
	return nil
}
