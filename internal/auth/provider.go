package auth

// Provider is a pluggable identity backend. Implementations are resolved
// once at configuration-load time and queried uniformly in configured
// order.
type Provider interface {
	// Identifier returns the unique id of this provider.
	Identifier() string

	// Authenticate validates the credentials and produces a principal,
	// or an error from the credentials taxonomy in errors.go. Returning
	// (nil, nil) means "not my user" and lets the next provider try.
	Authenticate(creds *Credentials) (*AuthenticatedUser, error)

	// UserContext produces the resources this provider grants to an
	// already-authenticated principal, including principals
	// authenticated by other providers. Returning (nil, nil) grants
	// nothing.
	UserContext(user *AuthenticatedUser) (UserContext, error)

	// UpdateAuthenticatedUser re-authenticates an existing principal
	// with fresh credentials. Only ever invoked on the provider that
	// produced the principal.
	UpdateAuthenticatedUser(existing *AuthenticatedUser, creds *Credentials) (*AuthenticatedUser, error)

	// UpdateUserContext refreshes an existing context after
	// re-authentication. Only ever invoked on the provider that
	// produced the context.
	UpdateUserContext(existing UserContext, user *AuthenticatedUser, creds *Credentials) (UserContext, error)

	// Shutdown releases provider-level resources at process teardown.
	Shutdown() error
}
