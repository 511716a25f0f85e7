package session

import "errors"

// State errors: the request is well-formed but inapplicable given current
// session state. These are expected, frequent outcomes and are returned as
// ordinary values, never logged as faults.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session not active")
	ErrSessionWindowClosed = errors.New("session window closed")
	ErrScanTooEarly        = errors.New("scan before session window")
	ErrAlreadyScanned      = errors.New("attendance already recorded")
	ErrAlreadyActivated    = errors.New("session already activated")
	ErrAlreadyCompleted    = errors.New("session already completed")
	ErrInvalidTransition   = errors.New("invalid session transition")
)

// Store-level errors surfaced by the adapter.
var (
	ErrConflict        = errors.New("session status conflict")
	ErrDuplicateRecord = errors.New("duplicate attendance record")
)

// ErrTimeout marks an infrastructure fault: the store did not answer within
// the scan deadline. Safe to retry; all mutations are CAS-guarded or
// insert-only.
var ErrTimeout = errors.New("store deadline exceeded")
