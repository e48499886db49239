package keys

import (
	"errors"
	"fmt"
)

// Verification errors
var (
	ErrInvalidFormat  = errors.New("invalid key format")
	ErrNotFound       = errors.New("key not found")
	ErrExpired        = errors.New("key expired")
	ErrDeviceMismatch = errors.New("key already activated on another device")
)

// Issuance and storage errors
var (
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrCollisionRetryExhausted = errors.New("key generation collided too many times")
	ErrKeyExists               = errors.New("key already exists")
	ErrSessionNotFound         = errors.New("session not found")
	ErrTooManyAttempts         = errors.New("too many failed attempts")
)

// StorageError wraps a backend failure so that it matches both
// ErrStorageUnavailable and the original cause.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageUnavailable, err))
}

// IsVerificationFailure reports whether err is one of the recoverable
// verification outcomes that are reported to the caller as a non-success result.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrDeviceMismatch)
}
