// Package commit defines the table commit log the write path publishes to.
//
// The log is the table format's transaction authority: a commit atomically
// appends index files and tombstones against the snapshot version the writer
// read. The engine never resolves conflicts itself; a stale ReadVersion
// surfaces ErrConflict and the caller discards the whole pass delta and
// re-runs against a fresh snapshot.
package commit

import (
	"context"
	"errors"
	"fmt"

	"github.com/arejula27/otree/model"
)

// ErrConflict is returned when another writer committed after the caller's
// snapshot was taken.
var ErrConflict = errors.New("commit: read version is stale")

// CommitRequest describes one atomic table change.
type CommitRequest struct {
	TableID model.TableID

	// ReadVersion is the table version the writer's IndexStatus was built
	// from. Zero means the writer saw an empty table.
	ReadVersion int64

	Adds    []model.IndexFile
	Removes []model.RemoveFile
}

// Log atomically publishes table changes.
type Log interface {
	// Commit applies the request if the table is still at ReadVersion and
	// returns the new version. A stale ReadVersion returns ErrConflict.
	Commit(ctx context.Context, req CommitRequest) (int64, error)
}

func conflict(table model.TableID, read, current int64) error {
	return fmt.Errorf("%w: table %q read %d, current %d", ErrConflict, table, read, current)
}
