package otree

import (
	"errors"
	"fmt"

	"github.com/arejula27/otree/commit"
	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/transform"
)

var (
	// ErrConflict is returned when a commit lost the race for the table
	// version it read. Reload the table state and run the operation again.
	ErrConflict = errors.New("otree: table version conflict")

	// ErrCorruptCubeID is returned when persisted cube bytes do not decode.
	ErrCorruptCubeID = errors.New("otree: corrupt cube id")

	// ErrUnknownTransformer is returned when revision metadata references a
	// transformation kind this build does not register.
	ErrUnknownTransformer = errors.New("otree: unknown transformer")

	// ErrTooManyColumns is returned when a schema indexes more columns than
	// cube addressing supports.
	ErrTooManyColumns = errors.New("otree: too many indexed columns")

	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("otree: engine closed")
)

// translateError maps collaborator errors onto the package's stable
// sentinels. The original error stays reachable through errors.Is and
// errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, commit.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, core.ErrMalformedCubeID):
		return fmt.Errorf("%w: %w", ErrCorruptCubeID, err)
	case errors.Is(err, transform.ErrUnknownKind):
		return fmt.Errorf("%w: %w", ErrUnknownTransformer, err)
	}
	return err
}
