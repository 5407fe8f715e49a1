package auth

import (
	"sync/atomic"

	"deskgate/internal/activity"
)

// Credentials carries everything a provider may need to authenticate a
// request: the username/password pair plus request metadata.
type Credentials struct {
	Username   string
	Password   string
	RemoteAddr string
	Params     map[string]string
}

// User is the passive identity record for one principal as seen by one
// provider.
type User struct {
	Identifier string            `json:"identifier"`
	FullName   string            `json:"full_name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Connection describes one backend compute/display resource a user may
// open a tunnel to.
type Connection struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Protocol   string            `json:"protocol"`
	Hostname   string            `json:"hostname"`
	Port       int               `json:"port"`
	Params     map[string]string `json:"params,omitempty"`
}

// Group is a named set of connections.
type Group struct {
	Identifier    string   `json:"identifier"`
	Name          string   `json:"name"`
	ConnectionIDs []string `json:"connection_ids,omitempty"`
}

// AuthenticatedUser is the principal produced by a successful
// authentication. It remembers which provider authenticated it so
// re-authentication can go back to the same provider.
type AuthenticatedUser struct {
	Identifier  string
	ProviderID  string
	Credentials *Credentials

	invalidated atomic.Bool
}

// Valid reports whether the principal has not been invalidated.
func (u *AuthenticatedUser) Valid() bool {
	return !u.invalidated.Load()
}

// Invalidate marks the principal unusable. Idempotent.
func (u *AuthenticatedUser) Invalidate() {
	u.invalidated.Store(true)
}

// UserContext is the set of resources one provider grants to one
// authenticated principal.
type UserContext interface {
	// Self returns the principal's own identity record.
	Self() *User

	// Valid reports whether the context may still be used.
	Valid() bool

	// Invalidate releases any provider-side state held for this context.
	// Must be idempotent and safe to call concurrently.
	Invalidate() error

	// Connections returns the connections visible to the principal,
	// keyed by identifier.
	Connections() map[string]*Connection

	// Users returns the user directory visible to the principal.
	Users() map[string]*User

	// Groups returns the connection groups visible to the principal.
	Groups() map[string]*Group

	// History returns connection history visible to the principal,
	// newest first.
	History() []*activity.Record
}
