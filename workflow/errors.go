package workflow

import "github.com/BaSui01/collabflow/types"

// Sentinel errors shared by services and repositories. types.Error matches
// errors.Is by code, so repositories may return richer messages under the
// same code.
var (
	// ErrNotFound is returned when a workflow, context, conflict, approval,
	// or session lookup misses.
	ErrNotFound = types.NewError(types.ErrNotFound, "not found")

	// ErrVersionConflict is returned when an optimistic write presents a
	// stale version. Callers should re-read and retry.
	ErrVersionConflict = types.NewError(types.ErrVersionConflict, "stale version")

	// ErrInvalidTransition is returned for a (status, status) pair outside
	// the legal transition table. State is left unchanged.
	ErrInvalidTransition = types.NewError(types.ErrInvalidTransition, "illegal status transition")

	// ErrAlreadyResolved is returned when resolving an already-resolved
	// conflict or approval request.
	ErrAlreadyResolved = types.NewError(types.ErrAlreadyResolved, "already resolved")
)
