package tile

import "errors"

// Package-level sentinel errors for coordinate validation.
var (
	// ErrOutOfRange indicates a zoom, column, or row outside the valid
	// grid. Wrapped errors carry the offending value.
	ErrOutOfRange = errors.New("coordinate out of range")
)
