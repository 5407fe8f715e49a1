package auth

import "errors"

// Failure taxonomy. REST-facing code maps these to status codes, so lookup
// failures must stay distinguishable from authorization failures.
var (
	// ErrNotFound signals that a requested context, connection or other
	// resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials signals that the supplied credentials were
	// rejected by every provider.
	ErrInvalidCredentials = errors.New("permission denied")

	// ErrInsufficientCredentials signals that a provider needs more
	// credentials (for example a second factor) before it can decide.
	// Takes precedence over ErrInvalidCredentials when both occur.
	ErrInsufficientCredentials = errors.New("additional credentials required")

	// ErrUnauthorized signals a missing, unknown or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVetoed signals that an authentication-success listener rejected
	// an otherwise successful authentication.
	ErrVetoed = errors.New("authentication vetoed by listener")
)
