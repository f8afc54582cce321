package library

import "errors"

// Sentinel errors returned by the store and the engine. Callers match them with errors.Is.
var (
	ErrNotFound     = errors.New("library: not found")
	ErrInvalidState = errors.New("library: request is no longer pending")
	ErrForbidden    = errors.New("library: member may not act on this request")
	ErrInvalidInput = errors.New("library: invalid input")

	// ErrStoreConflict means a transaction lost a race and may be retried as a whole.
	ErrStoreConflict = errors.New("library: concurrent modification")

	// ErrRetriesExhausted is returned when every attempt hit ErrStoreConflict.
	ErrRetriesExhausted = errors.New("library: too much contention, try again later")

	// ErrUnsupportedKind is returned for accept/reject of transfer requests,
	// whose resolution rules have not been decided yet.
	ErrUnsupportedKind = errors.New("library: request kind cannot be resolved")

	// ErrNotificationFailed is only ever logged.
	ErrNotificationFailed = errors.New("library: notification failed")
)
