package service

import "errors"

// Error taxonomy for the subscription lifecycle. Stale webhook deliveries
// are deliberately not an error: they are a discard outcome recorded in
// the audit log.
var (
	// ErrNotFound marks an unknown or disabled connection/subscription;
	// the caller's request was invalid.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable marks a failed gateway call; transient,
	// retried by the next scheduled sweep.
	ErrUpstreamUnavailable = errors.New("upstream mail provider unavailable")

	// ErrInvariantViolation marks a state that should be unreachable;
	// logged at higher severity, indicates a bug.
	ErrInvariantViolation = errors.New("invariant violation")
)
