package models

import "errors"

// Event validation errors
var (
	ErrMissingTenant    = errors.New("event is missing tenant identity")
	ErrEmptyEventType   = errors.New("event type cannot be empty")
	ErrFutureTimestamp  = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrTooManyFields    = errors.New("too many top-level payload fields")
)

// Engine errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
	ErrRuleInUse         = errors.New("rule is referenced by open alerts")
	ErrStaleState        = errors.New("record changed concurrently")
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrInvalidThreshold  = errors.New("invalid threshold")
)
