package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadySubmitted  = errors.New("job already submitted")
	// ErrProviderFailure marks generation failures caused by a vendor call,
	// as opposed to storage or state-machine errors.
	ErrProviderFailure = errors.New("provider failure")
)
