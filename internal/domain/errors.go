package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrUnknownKind         = errors.New("unknown workflow kind")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderSubmission  = errors.New("provider submission failed")
	ErrProviderTaskFailure = errors.New("provider task failed")
	ErrTimeout             = errors.New("task timed out")
	ErrNotReady            = errors.New("workflow not ready")
	ErrDuplicateOperation  = errors.New("duplicate operation")

	// ErrStaleState reports a lost conditional update: the row no longer
	// holds the status, version or task handle the caller observed.
	ErrStaleState = errors.New("stale workflow state")
)
