// Package errors consolidates error definitions for the packrat pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Protocol violations. The producer side is a versioned internal
	// client, so these abort the controller rather than being dropped.
	ErrRetiredRecordType = errors.New("create_table records are no longer supported; schemas must be set up before the controller launches")
	ErrUnknownMetaAction = errors.New("unknown meta action")

	// Malformed messages. Logged and dropped.
	ErrMalformedRecord = errors.New("malformed record")
	ErrMissingVisitID  = errors.New("record payload is missing visit_id")

	// Liveness and shutdown.
	ErrStatusTimeout   = errors.New("no status update from controller process")
	ErrControllerGone  = errors.New("controller process is not running")
	ErrAlreadyLaunched = errors.New("controller process already launched")

	// Channel conditions.
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrQueueClosed    = errors.New("queue is closed")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum message size")
	ErrListenerClosed = errors.New("record listener is closed")

	// Provider conditions.
	ErrProviderClosed = errors.New("storage provider is shut down")
	ErrNoUnstructured = errors.New("no unstructured storage provider configured")
)

// ============================================================================
// Category checks
// ============================================================================

// IsProtocolViolation reports whether err indicates a producer/controller
// version mismatch. These are fatal to the controller.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrRetiredRecordType) || errors.Is(err, ErrUnknownMetaAction)
}

// IsMalformed reports whether err indicates a message of the wrong shape.
// These are logged and dropped.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrMissingVisitID)
}

// IsLiveness reports whether err indicates loss of controller liveness.
func IsLiveness(err error) bool {
	return errors.Is(err, ErrStatusTimeout) || errors.Is(err, ErrControllerGone)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with a message, preserving the original for
// errors.Is/As checks. Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Re-exported stdlib helpers so callers don't need two error imports.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New creates a new error with the given message.
func New(msg string) error { return errors.New(msg) }
