package keeper

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

// Memory is an in-process Keeper for single-node deployments and tests.
// State lives per (table, revision) and is dropped when the process exits;
// announced cubes are recoverable from committed block metadata.
type Memory struct {
	mu     sync.Mutex
	tables map[tableRevision]*revisionState
}

type tableRevision struct {
	table    model.TableID
	revision int64
}

type revisionState struct {
	announced  model.CubeSet
	replicated model.CubeSet
	reserved   map[core.CubeID]uuid.UUID
}

// NewMemory returns an empty in-process keeper.
func NewMemory() *Memory {
	return &Memory{tables: make(map[tableRevision]*revisionState)}
}

func (m *Memory) state(table model.TableID, revisionID int64) *revisionState {
	key := tableRevision{table: table, revision: revisionID}
	st, ok := m.tables[key]
	if !ok {
		st = &revisionState{
			announced:  model.NewCubeSet(),
			replicated: model.NewCubeSet(),
			reserved:   make(map[core.CubeID]uuid.UUID),
		}
		m.tables[key] = st
	}
	return st
}

// BeginWrite implements Keeper.
func (m *Memory) BeginWrite(ctx context.Context, table model.TableID, revisionID int64) (*WriteSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	announced := m.state(table, revisionID).announced.Clone()
	m.mu.Unlock()

	return NewWriteSession(uuid.New(), announced, func(ctx context.Context) error {
		return ctx.Err()
	}), nil
}

// Announce implements Keeper.
func (m *Memory) Announce(ctx context.Context, table model.TableID, revisionID int64, cubes []core.CubeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(table, revisionID)
	for _, c := range cubes {
		st.announced.Add(c)
	}
	return nil
}

// BeginOptimization implements Keeper.
func (m *Memory) BeginOptimization(ctx context.Context, table model.TableID, revisionID int64, cubeLimit int) (*OptimizationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New()

	m.mu.Lock()
	st := m.state(table, revisionID)
	var cubes []core.CubeID
	for _, c := range st.announced.Sorted() {
		if len(cubes) >= cubeLimit {
			break
		}
		if st.replicated.Contains(c) {
			continue
		}
		if _, taken := st.reserved[c]; taken {
			continue
		}
		st.reserved[c] = id
		cubes = append(cubes, c)
	}
	m.mu.Unlock()

	end := func(ctx context.Context, replicated []core.CubeID) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		st := m.state(table, revisionID)
		for c, owner := range st.reserved {
			if owner == id {
				delete(st.reserved, c)
			}
		}
		for _, c := range replicated {
			st.replicated.Add(c)
		}
		return ctx.Err()
	}

	return NewOptimizationSession(id, cubes, end), nil
}

var _ Keeper = (*Memory)(nil)
