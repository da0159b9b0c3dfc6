package core

import "errors"

// Sentinel errors shared across the storage, service, and HTTP layers.
// The HTTP layer maps these onto status codes; everything else matches
// them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")

	// ErrSuperseded signals that a compare-and-swap on a recurring
	// template lost to a concurrent update, delete, or earlier fire.
	ErrSuperseded = errors.New("occurrence superseded")
)
