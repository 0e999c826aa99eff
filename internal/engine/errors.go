package engine

import "errors"

var (
	// ErrValidation marks a malformed or out-of-policy request. Surfaced
	// synchronously, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNoSolution means the solver could not place the order within its
	// constraints or time budget.
	ErrNoSolution = errors.New("no feasible assignment")
	// ErrConflict means a post-solve re-validation failed because committed
	// state moved under the solve. The commit is aborted and the booking is
	// re-solved.
	ErrConflict = errors.New("post-solve conflict")
	// ErrFrozen marks an attempt to mutate a frozen route.
	ErrFrozen = errors.New("route is frozen")
	// ErrResourceGone means a referenced bus/station/node disappeared
	// mid-operation.
	ErrResourceGone = errors.New("resource gone")
)
