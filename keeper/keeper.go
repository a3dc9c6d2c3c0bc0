// Package keeper coordinates concurrent writers and optimizers on one table.
//
// The keeper is the single source of truth for which cubes are announced
// (must stay open and absorb cascading writes) and which are reserved by a
// running optimization pass. Announcement is monotonic within a revision: a
// cube is never retracted. Reservations are leases scoped to a session and
// released by End; an optimization session's End also records which cubes
// were durably replicated. End runs only after the pass's commit succeeded;
// an aborted pass simply never calls it, which leaves the announced set
// untouched and self-heals on the next session.
package keeper

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

// Keeper arbitrates announced and reserved cubes across writers. All
// operations are safe for concurrent use.
type Keeper interface {
	// BeginWrite opens a write session and snapshots the announced set the
	// caller must keep open during threshold estimation.
	BeginWrite(ctx context.Context, table model.TableID, revisionID int64) (*WriteSession, error)

	// Announce unions cubes into the announced set. Idempotent; never
	// retracts.
	Announce(ctx context.Context, table model.TableID, revisionID int64, cubes []core.CubeID) error

	// BeginOptimization reserves up to cubeLimit announced, unreplicated,
	// unreserved cubes for this session. Overlapping sessions receive
	// disjoint sets; an empty set is a normal outcome, not an error.
	BeginOptimization(ctx context.Context, table model.TableID, revisionID int64, cubeLimit int) (*OptimizationSession, error)
}

// WriteSession is one writer's registration. End releases it; calling End
// more than once is a no-op.
type WriteSession struct {
	ID        uuid.UUID
	Announced model.CubeSet

	once sync.Once
	end  func(ctx context.Context) error
}

// NewWriteSession wires a session for a Keeper implementation.
func NewWriteSession(id uuid.UUID, announced model.CubeSet, end func(ctx context.Context) error) *WriteSession {
	return &WriteSession{ID: id, Announced: announced, end: end}
}

// End releases the session. Call only after the write's commit is durable.
func (s *WriteSession) End(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if s.end != nil {
			err = s.end(ctx)
		}
	})
	return err
}

// OptimizationSession holds the reservation of one optimization pass.
type OptimizationSession struct {
	ID uuid.UUID

	// CubesToOptimize are the reserved cubes, in pre-order. May be empty.
	CubesToOptimize []core.CubeID

	once sync.Once
	end  func(ctx context.Context, replicated []core.CubeID) error
}

// NewOptimizationSession wires a session for a Keeper implementation.
func NewOptimizationSession(id uuid.UUID, cubes []core.CubeID, end func(ctx context.Context, replicated []core.CubeID) error) *OptimizationSession {
	return &OptimizationSession{ID: id, CubesToOptimize: cubes, end: end}
}

// End releases the reservation and records the cubes this session durably
// replicated. Call only after the optimization's commit succeeded; cubes not
// listed stay eligible for the next session.
func (s *OptimizationSession) End(ctx context.Context, replicated []core.CubeID) error {
	var err error
	s.once.Do(func() {
		if s.end != nil {
			err = s.end(ctx, replicated)
		}
	})
	return err
}
