package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Services wrap them
// with context; the HTTP edge maps them to status codes.

var (
	// ErrBadPayload — input failed validation; caller logs and drops.
	ErrBadPayload = errors.New("payload failed validation")

	// ErrNotFound — entity does not exist; 404 at the HTTP edge.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition — state machine rejected a transition; 409.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrBadLease — mission lease mismatch or expired; 409.
	ErrBadLease = errors.New("lease mismatch or expired")

	// ErrConstraintViolation — a command gate failed. Never propagated:
	// folded into a REJECTED proposal.
	ErrConstraintViolation = errors.New("command constraint violated")

	// ErrGovernorBlocked — governor refused the command. Folded into a
	// REJECTED proposal like a gate failure.
	ErrGovernorBlocked = errors.New("governor blocked command")

	// ErrStorage — transient storage I/O; 5xx at the HTTP edge.
	ErrStorage = errors.New("storage failure")

	// ErrCanceled — operation canceled via context.
	ErrCanceled = errors.New("operation canceled")

	// ErrBadRule — circuit-breaker rule failed to parse at load time.
	ErrBadRule = errors.New("malformed circuit-breaker rule")
)
