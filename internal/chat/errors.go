// Package chat serves the chat protocol on top of a replica's state and
// replication hooks.
package chat

import (
	"errors"

	"replichat/internal/protocol"
)

var (
	// ErrValidation is returned for empty or missing request fields
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when creating something that already exists
	ErrConflict = errors.New("already exists")

	// ErrNotFound is returned when a request references an unknown channel or user
	ErrNotFound = errors.New("not found")

	// ErrUnknownService is returned for tags outside the chat protocol
	ErrUnknownService = protocol.ErrUnknownService

	// ErrInternal wraps unexpected faults while handling a request
	ErrInternal = errors.New("internal error")
)

// Error codes carried in error replies.
const (
	CodeValidation     = "validation"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
	CodeUnknownService = "unknown_service"
	CodeInternal       = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnknownService):
		return CodeUnknownService
	default:
		return CodeInternal
	}
}
