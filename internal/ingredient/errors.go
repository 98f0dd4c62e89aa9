package ingredient

import "github.com/rotisserie/eris"

// Error taxonomy shared by the stores and the fusion engine. Callers match with errors.Is.
var (
	// ErrNotFound means the canonical id does not exist or is inactive.
	ErrNotFound = eris.New("ingredient: not found")
	// ErrIdentityConflict means a uniqueness constraint rejected a write.
	ErrIdentityConflict = eris.New("ingredient: identity conflict")
	// ErrInvalidInput means a request was rejected before any mutation.
	ErrInvalidInput = eris.New("ingredient: invalid input")
	// ErrUnavailable means the store could not be reached; safe to retry.
	ErrUnavailable = eris.New("ingredient: store unavailable")
	// ErrForbidden means the operator may not perform the change.
	ErrForbidden = eris.New("ingredient: forbidden")
)
