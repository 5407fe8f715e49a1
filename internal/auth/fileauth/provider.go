// Package fileauth authenticates users declared in the gateway
// configuration file. Intended for small deployments and testing; larger
// installations should prefer the postgres provider.
package fileauth

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"deskgate/internal/activity"
	"deskgate/internal/auth"
	"deskgate/internal/config"
)

const ProviderID = "file"

type Provider struct {
	users map[string]*userEntry
	store activity.Store
}

type userEntry struct {
	passwordHash string
	self         *auth.User
	connections  map[string]*auth.Connection
}

// New builds the provider from configured users. Connection history is
// served from the gateway's own activity store.
func New(users []config.FileUser, store activity.Store) *Provider {
	p := &Provider{
		users: make(map[string]*userEntry, len(users)),
		store: store,
	}

	for _, u := range users {
		entry := &userEntry{
			passwordHash: u.PasswordHash,
			self:         &auth.User{Identifier: u.Username},
			connections:  make(map[string]*auth.Connection, len(u.Connections)),
		}
		for _, c := range u.Connections {
			entry.connections[c.ID] = &auth.Connection{
				Identifier: c.ID,
				Name:       c.Name,
				Protocol:   c.Protocol,
				Hostname:   c.Hostname,
				Port:       c.Port,
				Params:     c.Params,
			}
		}
		p.users[u.Username] = entry
	}
	return p
}

func (p *Provider) Identifier() string { return ProviderID }

// Authenticate verifies the password of a declared user. Unknown usernames
// are not an error; they just belong to some other provider.
func (p *Provider) Authenticate(creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	entry, ok := p.users[creds.Username]
	if !ok {
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.passwordHash), []byte(creds.Password)); err != nil {
		return nil, auth.ErrInvalidCredentials
	}

	return &auth.AuthenticatedUser{
		Identifier:  creds.Username,
		ProviderID:  ProviderID,
		Credentials: creds,
	}, nil
}

// UserContext grants the declared connections to principals this provider
// knows about. Principals authenticated elsewhere get nothing.
func (p *Provider) UserContext(user *auth.AuthenticatedUser) (auth.UserContext, error) {
	entry, ok := p.users[user.Identifier]
	if !ok {
		return nil, nil
	}

	users := make(map[string]*auth.User, len(p.users))
	for name, e := range p.users {
		users[name] = e.self
	}

	return &fileContext{
		self:        entry.self,
		connections: entry.connections,
		users:       users,
		store:       p.store,
	}, nil
}

func (p *Provider) UpdateAuthenticatedUser(existing *auth.AuthenticatedUser, creds *auth.Credentials) (*auth.AuthenticatedUser, error) {
	if creds.Username != existing.Identifier {
		return nil, fmt.Errorf("username mismatch on re-authentication: %w", auth.ErrInvalidCredentials)
	}
	return p.Authenticate(creds)
}

func (p *Provider) UpdateUserContext(_ auth.UserContext, user *auth.AuthenticatedUser, _ *auth.Credentials) (auth.UserContext, error) {
	return p.UserContext(user)
}

func (p *Provider) Shutdown() error { return nil }

type fileContext struct {
	self        *auth.User
	connections map[string]*auth.Connection
	users       map[string]*auth.User
	store       activity.Store

	invalidated atomic.Bool
}

func (c *fileContext) Self() *auth.User { return c.self }

func (c *fileContext) Valid() bool { return !c.invalidated.Load() }

func (c *fileContext) Invalidate() error {
	c.invalidated.Store(true)
	return nil
}

func (c *fileContext) Connections() map[string]*auth.Connection { return c.connections }

func (c *fileContext) Users() map[string]*auth.User { return c.users }

func (c *fileContext) Groups() map[string]*auth.Group { return map[string]*auth.Group{} }

func (c *fileContext) History() []*activity.Record {
	return c.store.ByUser(c.self.Identifier)
}
