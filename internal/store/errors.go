package store

import "github.com/pkg/errors"

// Error kinds, transport-agnostic, per the error handling design: a small
// closed set that the broker layer translates to transport status codes.
var (
	// ErrInvalidArgument is returned for malformed requests (bad mode,
	// missing fields). Never logged as a server fault by the broker.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound means the lock_id does not resolve to a live record:
	// already released, or reclaimed by a lease-expiry/hold-cap sweep.
	ErrNotFound = errors.New("lock not found")

	// ErrPermissionDenied means the caller-supplied owner does not match
	// the record's owner.
	ErrPermissionDenied = errors.New("owner mismatch")

	// ErrTimedOut means an acquire's wait deadline elapsed without grant.
	ErrTimedOut = errors.New("timed out waiting to acquire lock")

	// ErrHoldCapExceeded is the distinct signal surfaced to a holder whose
	// own heartbeat call lands after max_hold_ms already evicted it — see
	// DESIGN.md for why this is split out from a plain ErrNotFound.
	ErrHoldCapExceeded = errors.New("lock exceeded its max hold time")
)
