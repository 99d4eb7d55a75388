package drip

import "errors"

// Scheduling errors.
var (
	ErrInvalidRecipient = errors.New("invalid recipient email")
	ErrSchedulePersist  = errors.New("no sequence step could be persisted")
	ErrTemplateNotFound = errors.New("template not found")
)

// Definition errors.
var (
	ErrDuplicateStep   = errors.New("duplicate step index")
	ErrInvalidDelay    = errors.New("step delay must be a non-negative whole number of days")
	ErrMissingTemplate = errors.New("step template is required")
)

// Unsubscribe errors.
var (
	ErrInvalidUnsubscribeToken = errors.New("invalid unsubscribe token")
)
