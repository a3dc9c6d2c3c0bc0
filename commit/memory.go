package commit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/arejula27/otree/model"
)

// Memory is an in-process Log that retains the live file list per table. It
// serves single-node deployments and stands in for a real table format in
// tests.
type Memory struct {
	mu     sync.Mutex
	tables map[model.TableID]*tableLog
}

type tableLog struct {
	version int64
	files   map[string]model.IndexFile
}

// NewMemory returns an empty in-process commit log.
func NewMemory() *Memory {
	return &Memory{tables: make(map[model.TableID]*tableLog)}
}

// Commit implements Log.
func (m *Memory) Commit(ctx context.Context, req CommitRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tl, ok := m.tables[req.TableID]
	if !ok {
		tl = &tableLog{files: make(map[string]model.IndexFile)}
		m.tables[req.TableID] = tl
	}

	if tl.version != req.ReadVersion {
		return 0, conflict(req.TableID, req.ReadVersion, tl.version)
	}

	for _, rm := range req.Removes {
		if _, live := tl.files[rm.Path]; !live {
			return 0, fmt.Errorf("commit: removed file %q is not live in table %q", rm.Path, req.TableID)
		}
	}
	for _, add := range req.Adds {
		if _, live := tl.files[add.Path]; live {
			return 0, fmt.Errorf("commit: added file %q already live in table %q", add.Path, req.TableID)
		}
	}

	for _, rm := range req.Removes {
		delete(tl.files, rm.Path)
	}
	for _, add := range req.Adds {
		tl.files[add.Path] = add
	}

	tl.version++
	return tl.version, nil
}

// Snapshot returns the table's current version and live files, sorted by
// path. Version zero means no commit has happened.
func (m *Memory) Snapshot(table model.TableID) (int64, []model.IndexFile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl, ok := m.tables[table]
	if !ok {
		return 0, nil
	}

	files := make([]model.IndexFile, 0, len(tl.files))
	for _, f := range tl.files {
		files = append(files, f)
	}
	slices.SortFunc(files, func(a, b model.IndexFile) int {
		return strings.Compare(a.Path, b.Path)
	})

	return tl.version, files
}

var _ Log = (*Memory)(nil)
