package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing row at mutation time. Callers treat it
	// as a no-op: a concurrent delete won the race.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredential means the user's Canvas token was rejected.
	// Polling is paused for that user until they log in again.
	ErrInvalidCredential = errors.New("invalid canvas credential")

	// ErrUnreachable means the chat platform refused delivery for this
	// recipient (blocked the bot, deactivated account, unknown chat).
	ErrUnreachable = errors.New("recipient unreachable")

	// errTransient marks failures that are retried on the next cycle.
	errTransient = errors.New("transient failure")
)

// Transient wraps err as a retryable external failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", errTransient, fmt.Errorf(format, args...))
}

// IsTransient reports whether err is a retry-next-cycle failure.
func IsTransient(err error) bool { return errors.Is(err, errTransient) }
