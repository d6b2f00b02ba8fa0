// Package common defines shared constants and sentinel errors used across
// KeebSync components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Auth errors: no stored tokens, or a refresh that could not complete.
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrStateMismatch    = errors.New("oauth state mismatch")

	// Crypto errors.
	ErrAuthTag           = errors.New("authentication tag verification failed")
	ErrMalformedEnvelope = errors.New("malformed sync envelope")

	// Sync flow control.
	ErrNoSyncPassword = errors.New("no sync password configured")
	ErrSyncBusy       = errors.New("sync already in progress")
)
