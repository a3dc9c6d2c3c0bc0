// Package otree maintains adaptive multi-dimensional indexes for columnar
// tables. Rows are addressed by the cube of a recursively halved space and
// by a stable per-row weight; each batch estimates per-cube weight
// thresholds, rolls small cubes up into shared files and commits the file
// metadata to the host table's log. Background optimization replicates
// busy cubes one level down so deep reads stop visiting their parents.
//
// # Quick Start
//
// Create an engine for a table with two indexed columns and append a
// batch:
//
//	schema := colfile.Schema{Columns: []colfile.Column{
//	    {Name: "price", Kind: colfile.KindInt64},
//	    {Name: "user", Kind: colfile.KindString},
//	}}
//	eng, err := otree.New("events", schema, 100_000,
//	    otree.WithStore(store),
//	    otree.WithCommitLog(log),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	res, err := eng.Append(ctx, state, rows)
//	if res != nil && res.NewRevision {
//	    // Persist res.Revision in the table metadata.
//	}
//
// The host owns its table log: every operation takes a TableState snapshot
// (version, revision, live files) and commits against that version. On
// otree.ErrConflict the snapshot was stale; reload it and run the
// operation again.
//
// Background maintenance runs the same way:
//
//	announced, _ := eng.Analyze(ctx, state, 8)
//	ores, _ := eng.Optimize(ctx, state, len(announced))
//
// Multi-writer deployments share a coordination keeper
// (otree.WithKeeper(dynamo.New(...))) so concurrent writers see announced
// cubes and optimization passes never overlap.
package otree
