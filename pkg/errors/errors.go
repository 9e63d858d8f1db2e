// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Taxonomy errors, per the error handling design: each concrete error below
// wraps exactly one of these so callers can dispatch on category with errors.Is.
var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("unavailable")
	ErrConflict          = errors.New("conflict")
	ErrTransport         = errors.New("transport failure")
	ErrIntegrity         = errors.New("integrity failure")
	ErrFatal             = errors.New("fatal")
)

// Concrete, commonly-checked errors.
var (
	ErrInvalidCredentials  = fmt.Errorf("%s: %w", "invalid credentials", ErrInvalidParameters)
	ErrKeyNotFound         = fmt.Errorf("%s: %w", "key not found", ErrNotFound)
	ErrSiteNotFound        = fmt.Errorf("%s: %w", "site not found", ErrNotFound)
	ErrDeviceNotFound      = fmt.Errorf("%s: %w", "device not found", ErrNotFound)
	ErrNoKeysAvailable     = fmt.Errorf("%s: %w", "no keys available", ErrUnavailable)
	ErrPeerUnreachable     = fmt.Errorf("%s: %w", "peer unreachable", ErrUnavailable)
	ErrDeviceInUse         = fmt.Errorf("%s: %w", "device already in use", ErrConflict)
	ErrDuplicateKeyID      = fmt.Errorf("%s: %w", "duplicate key id", ErrConflict)
	ErrNoiseFloorTooHigh   = fmt.Errorf("%s: %w", "bin window spans every bin", ErrUnavailable)
	ErrMarkerFetchFailed     = fmt.Errorf("%s: %w", "marker fetch failed", ErrTransport)
	ErrBackingStoreFatal     = fmt.Errorf("%s: %w", "backing store unrecoverable", ErrFatal)
	ErrSiteAlreadyRegistered = fmt.Errorf("%s: %w", "site already registered", ErrConflict)
)

// New returns a new error with the given text
func New(text string) error {
	return errors.New(text)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
