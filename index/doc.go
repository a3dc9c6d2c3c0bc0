// Package index estimates cube weight thresholds and routes rows into cubes.
//
// Indexing a batch runs in two phases. The estimation phase replays the
// batch in ascending weight order against per-cube capacity accumulators and
// produces a NormalizedWeight per touched cube: a hard cutoff for cubes the
// batch filled, an occupancy encoding for cubes it left open. Estimates
// merge harmonically with the committed cube state, so repeated writes
// tighten thresholds instead of resetting them.
//
// The routing phase assigns every row its final cube against the merged
// thresholds: descending the row's container chain, the first cube whose
// threshold covers the row's weight claims it. Announced cubes claim rows
// and pass them deeper as well, which pre-populates the optimized layout
// while the cube is being replicated.
//
// Both operations are deterministic for a given batch: shuffling the input
// rows changes no cube count and no threshold.
package index
