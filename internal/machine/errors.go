// internal/machine/errors.go
package machine

import "errors"

var (
	// ErrInvalidConfig is returned when a model blob cannot be parsed or
	// describes an unusable network.
	ErrInvalidConfig = errors.New("invalid model config")

	// ErrShapeMismatch is returned when a buffer does not match the layer it
	// is bound to.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDestroyed is returned by any call on a destroyed machine.
	ErrDestroyed = errors.New("machine destroyed")

	// ErrParameters is returned when a parameter file is missing or malformed.
	ErrParameters = errors.New("invalid parameters")

	// ErrNoParameters is returned by Forward before parameters were loaded
	// or randomized.
	ErrNoParameters = errors.New("parameters not initialized")
)
