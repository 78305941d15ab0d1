package appointment

import "errors"

// Caller-facing failures. Everything else returned by the service is an infrastructure error.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrCapacityExceeded       = errors.New("slot capacity exceeded")
	ErrDuplicateActiveRequest = errors.New("donor already has an active appointment request")
	ErrUnauthorized           = errors.New("actor is not allowed to perform this operation")
	ErrAlreadyConverted       = errors.New("appointment already converted to a donation")
	ErrValidation             = errors.New("validation error")
)

// errVersionConflict is returned by repositories when a compare-and-swap loses.
var errVersionConflict = errors.New("version conflict")
