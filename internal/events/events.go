package events

import (
	"time"

	"deskgate/internal/auth"
)

// Event is implemented by every lifecycle notification.
type Event interface {
	Type() string
}

// SessionStartedEvent fires when a new session is created after a
// successful authentication.
type SessionStartedEvent struct {
	User *auth.AuthenticatedUser
}

func (SessionStartedEvent) Type() string { return "session-started" }

// SessionInvalidatedEvent fires after a session has been torn down: every
// tunnel closed and every context invalidated. The carried principal is
// already invalidated.
type SessionInvalidatedEvent struct {
	User *auth.AuthenticatedUser
}

func (SessionInvalidatedEvent) Type() string { return "session-invalidated" }

// AuthenticationSuccessEvent fires when credentials are accepted.
// Listeners may veto by returning an error, which rolls back the
// authentication.
type AuthenticationSuccessEvent struct {
	User *auth.AuthenticatedUser
}

func (AuthenticationSuccessEvent) Type() string { return "authentication-success" }

// AuthenticationFailureEvent fires when every provider rejected the
// supplied credentials.
type AuthenticationFailureEvent struct {
	Credentials *auth.Credentials
	Err         error
}

func (AuthenticationFailureEvent) Type() string { return "authentication-failure" }

// TunnelConnectEvent fires when a tunnel to a backend is established.
type TunnelConnectEvent struct {
	User         *auth.AuthenticatedUser
	TunnelUUID   string
	ConnectionID string
}

func (TunnelConnectEvent) Type() string { return "tunnel-connect" }

// TunnelCloseEvent fires exactly once per tunnel when it closes, whatever
// triggered the close.
type TunnelCloseEvent struct {
	User         *auth.AuthenticatedUser
	TunnelUUID   string
	ConnectionID string
	Duration     time.Duration
}

func (TunnelCloseEvent) Type() string { return "tunnel-close" }
