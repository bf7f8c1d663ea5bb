package model

import "errors"

var (
	// ErrNotFound is returned by mutating operations that address a missing
	// rule, record, or notification. Plain reads report absence with ok=false.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when an actor lacks permission for an
	// administrative operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation wraps rule/template validation failures.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is returned when a delivery status change is not
	// allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
