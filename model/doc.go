// Package model defines the durable and ephemeral metadata types of the
// OTree index.
//
// # Identity Types
//
//   - TableID: Globally unique table identifier (string)
//   - core.CubeID: Path-addressed tree node (defined in package core)
//
// # Durable Types
//
//   - Revision: Immutable generation of column transformations and bounds
//   - Block: Contiguous run of rows of one cube inside a data file
//   - IndexFile: Data file metadata with its per-cube blocks
//   - RemoveFile: Tombstone for a replaced data file
//
// # Ephemeral Types
//
//   - IndexStatus: Committed cube state a write pass starts from
//   - TableChanges: Per-pass delta, consumed by rollup and commit, then
//     discarded
package model
