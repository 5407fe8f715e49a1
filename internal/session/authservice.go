package session

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"deskgate/internal/auth"
	"deskgate/internal/events"
)

// AuthenticationService turns credentials into tokens. It queries every
// configured provider in order, aggregates the resulting contexts and
// manages the session that holds them.
type AuthenticationService struct {
	providers  []auth.Provider
	directory  *Directory
	dispatcher *events.Dispatcher
	log        *logrus.Logger
}

func NewAuthenticationService(providers []auth.Provider, directory *Directory, dispatcher *events.Dispatcher, log *logrus.Logger) *AuthenticationService {
	return &AuthenticationService{
		providers:  providers,
		directory:  directory,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Authenticate validates the credentials and returns the auth token for
// the resulting session. When token names an existing session, the session
// is re-authenticated in place: its principal is refreshed against the
// provider that originally produced it and its contexts are replaced
// wholesale. Otherwise a fresh session is created.
//
// An authentication-success listener may veto by returning an error; a
// vetoed authentication creates no session and surfaces auth.ErrVetoed.
func (svc *AuthenticationService) Authenticate(creds *auth.Credentials, token string) (string, error) {
	existing, _ := svc.directory.Get(token)

	user, err := svc.authenticatedUser(existing, creds)
	if err != nil {
		svc.dispatcher.Dispatch(events.AuthenticationFailureEvent{Credentials: creds, Err: err})
		if creds.Username != "" {
			svc.log.WithFields(logrus.Fields{
				"username": creds.Username,
				"remote":   creds.RemoteAddr,
			}).Warn("Authentication attempt failed")
		} else {
			svc.log.WithField("remote", creds.RemoteAddr).Debug("Anonymous authentication attempt failed")
		}
		return "", err
	}

	// Listeners may veto an otherwise successful authentication. The
	// veto happens before any session is created or mutated, so there is
	// nothing to roll back.
	if err := svc.dispatcher.DispatchVetoable(events.AuthenticationSuccessEvent{User: user}); err != nil {
		svc.log.WithError(err).WithField("username", user.Identifier).Warn("Authentication vetoed by listener")
		return "", fmt.Errorf("%w: %w", auth.ErrVetoed, err)
	}

	contexts := svc.userContexts(existing, user, creds)

	if existing != nil {
		existing.SetAuthenticatedUser(user)
		existing.SetUserContexts(contexts)
		return token, nil
	}

	newToken, _, err := svc.directory.Create(user, contexts)
	if err != nil {
		return "", err
	}

	svc.log.WithFields(logrus.Fields{
		"username": user.Identifier,
		"remote":   creds.RemoteAddr,
	}).Info("User successfully authenticated")

	return newToken, nil
}

// Logout removes and invalidates the token's session. Unknown tokens
// surface auth.ErrNotFound.
func (svc *AuthenticationService) Logout(token string) error {
	if !svc.directory.Destroy(token) {
		return fmt.Errorf("no such token: %w", auth.ErrNotFound)
	}
	return nil
}

// authenticatedUser produces an up-to-date principal: re-authenticating an
// existing session's principal against its own provider, or trying every
// provider in order for a fresh login.
func (svc *AuthenticationService) authenticatedUser(existing *Session, creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	if existing != nil {
		return svc.updateAuthenticatedUser(existing.AuthenticatedUser(), creds)
	}
	return svc.authenticateUser(creds)
}

// authenticateUser tries each provider in configured order. The first
// principal wins. When every provider fails, insufficient-credentials
// failures take precedence over invalid-credentials ones.
func (svc *AuthenticationService) authenticateUser(creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	var authFailure error

	for _, provider := range svc.providers {
		user, err := provider.Authenticate(creds)
		if user != nil {
			return user, nil
		}
		if err == nil {
			continue
		}

		if errors.Is(err, auth.ErrInsufficientCredentials) {
			if authFailure == nil || errors.Is(authFailure, auth.ErrInvalidCredentials) {
				authFailure = err
			}
		} else if authFailure == nil {
			authFailure = err
		}
	}

	if authFailure != nil {
		return nil, authFailure
	}
	return nil, auth.ErrInvalidCredentials
}

// updateAuthenticatedUser re-authenticates an existing principal against
// the provider that produced it, never the others.
func (svc *AuthenticationService) updateAuthenticatedUser(existing *auth.AuthenticatedUser, creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	provider, err := svc.provider(existing.ProviderID)
	if err != nil {
		return nil, err
	}

	user, err := provider.UpdateAuthenticatedUser(existing, creds)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user re-authentication failed: %w", auth.ErrInvalidCredentials)
	}
	return user, nil
}

// userContexts collects one decorated context per provider. For an
// existing session the old contexts are refreshed through their owning
// providers; otherwise every provider is asked for a fresh context.
// Provider failures cost that provider its context, nothing more.
func (svc *AuthenticationService) userContexts(existing *Session, user *auth.AuthenticatedUser, creds *auth.Credentials) auth.ContextSet {
	var contexts auth.ContextSet

	if existing != nil {
		for _, old := range existing.UserContexts() {
			provider, err := svc.provider(old.ProviderID)
			if err != nil {
				svc.log.WithField("provider", old.ProviderID).Warn("Context belongs to a provider that is no longer configured")
				continue
			}

			updated, err := provider.UpdateUserContext(old.UserContext, user, creds)
			if err != nil {
				svc.log.WithError(err).WithField("provider", old.ProviderID).Warn("Provider failed to update its user context")
				continue
			}
			if updated == nil {
				svc.log.WithField("provider", old.ProviderID).Debug("Provider retroactively destroyed its user context")
				continue
			}
			contexts = append(contexts, &auth.DecoratedContext{ProviderID: old.ProviderID, UserContext: updated})
		}
		return contexts
	}

	for _, provider := range svc.providers {
		ctx, err := provider.UserContext(user)
		if err != nil {
			svc.log.WithError(err).WithField("provider", provider.Identifier()).Warn("Provider failed to produce a user context")
			continue
		}
		if ctx == nil {
			continue
		}
		contexts = append(contexts, &auth.DecoratedContext{ProviderID: provider.Identifier(), UserContext: ctx})
	}
	return contexts
}

func (svc *AuthenticationService) provider(id string) (auth.Provider, error) {
	for _, p := range svc.providers {
		if p.Identifier() == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider %q: %w", id, auth.ErrNotFound)
}
