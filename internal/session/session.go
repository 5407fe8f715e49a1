package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deskgate/internal/auth"
	"deskgate/internal/events"
)

// Tunnel is the session-facing view of a live data channel to a backend.
// The concrete transport lives in the tunnel package.
type Tunnel interface {
	UUID() string
	CreationTime() time.Time
	IsOpen() bool
	Close() error
}

// Session holds the per-principal state addressed by one auth token: the
// authenticated principal, the per-provider contexts, and every tunnel the
// principal currently has open.
//
// The tunnel map handles its own concurrency; the principal and context
// set are guarded by a single session-scoped mutex. Most accessors bump the
// last-accessed time as a side effect; the exceptions say so explicitly.
type Session struct {
	mu       sync.Mutex // guards user and contexts
	user     *auth.AuthenticatedUser
	contexts auth.ContextSet

	tunnels sync.Map // tunnel UUID -> Tunnel

	lastAccessed atomic.Int64 // unix milliseconds
	invalidated  atomic.Bool

	dispatcher *events.Dispatcher
	log        *logrus.Logger
}

// New creates a session owning the given principal and contexts.
func New(dispatcher *events.Dispatcher, log *logrus.Logger, user *auth.AuthenticatedUser, contexts auth.ContextSet) *Session {
	s := &Session{
		user:       user,
		contexts:   contexts,
		dispatcher: dispatcher,
		log:        log,
	}
	s.Access()
	return s
}

// AuthenticatedUser returns the current principal and marks the session
// accessed.
func (s *Session) AuthenticatedUser() *auth.AuthenticatedUser {
	s.Access()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetAuthenticatedUser replaces the principal, typically after
// re-authentication, and marks the session accessed.
func (s *Session) SetAuthenticatedUser(user *auth.AuthenticatedUser) {
	s.Access()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// UserContexts returns a snapshot of the context set and marks the session
// accessed. Mutating the returned slice does not affect the session.
func (s *Session) UserContexts() auth.ContextSet {
	s.Access()
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(auth.ContextSet, len(s.contexts))
	copy(snapshot, s.contexts)
	return snapshot
}

// SetUserContexts replaces the context set wholesale and marks the session
// accessed.
func (s *Session) SetUserContexts(contexts auth.ContextSet) {
	s.Access()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = contexts
}

// UserContext returns the context produced by the provider with the given
// identifier, or auth.ErrNotFound. Marks the session accessed.
func (s *Session) UserContext(providerID string) (*auth.DecoratedContext, error) {
	return s.UserContexts().ByProvider(providerID)
}

// Valid reports whether every owned context is still valid. Pure query, no
// access-time side effect.
func (s *Session) Valid() bool {
	s.mu.Lock()
	contexts := s.contexts
	s.mu.Unlock()
	return contexts.Valid()
}

// HasTunnels reports whether any tunnels are open. Pure query.
func (s *Session) HasTunnels() bool {
	has := false
	s.tunnels.Range(func(_, _ any) bool {
		has = true
		return false
	})
	return has
}

// Tunnels returns a snapshot of the tunnel map keyed by UUID and marks the
// session accessed. Use AddTunnel/RemoveTunnel to mutate.
func (s *Session) Tunnels() map[string]Tunnel {
	s.Access()
	snapshot := make(map[string]Tunnel)
	s.tunnels.Range(func(key, value any) bool {
		snapshot[key.(string)] = value.(Tunnel)
		return true
	})
	return snapshot
}

// Tunnel returns the tunnel with the given UUID, if present. Marks the
// session accessed.
func (s *Session) Tunnel(uuid string) (Tunnel, bool) {
	s.Access()
	value, ok := s.tunnels.Load(uuid)
	if !ok {
		return nil, false
	}
	return value.(Tunnel), true
}

// AddTunnel associates the tunnel with this session and marks the session
// accessed.
func (s *Session) AddTunnel(t Tunnel) {
	s.Access()
	s.tunnels.Store(t.UUID(), t)
}

// RemoveTunnel disassociates the tunnel with the given UUID, reporting
// whether it existed. Marks the session accessed. The tunnel is not
// closed; that is the caller's job.
func (s *Session) RemoveTunnel(uuid string) bool {
	s.Access()
	_, existed := s.tunnels.LoadAndDelete(uuid)
	return existed
}

// Access marks the session as used now. The timestamp never moves
// backwards, even under concurrent calls.
func (s *Session) Access() {
	now := time.Now().UnixMilli()
	for {
		prev := s.lastAccessed.Load()
		if prev >= now || s.lastAccessed.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastAccessedTime returns when the session was last used. Pure query.
func (s *Session) LastAccessedTime() time.Time {
	return time.UnixMilli(s.lastAccessed.Load())
}

// OldestTunnelAge returns the age of the oldest open tunnel, or 0 when no
// tunnels exist. Pure query.
func (s *Session) OldestTunnelAge() time.Duration {
	var oldest time.Time
	s.tunnels.Range(func(_, value any) bool {
		created := value.(Tunnel).CreationTime()
		if oldest.IsZero() || created.Before(oldest) {
			oldest = created
		}
		return true
	})

	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// CloseExpiredTunnels closes and removes every tunnel whose age is maxAge
// or older, returning how many were removed. Close failures are logged;
// the tunnel is removed regardless. No-op when maxAge <= 0. Pure query
// with respect to the access time.
func (s *Session) CloseExpiredTunnels(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	now := time.Now()
	closed := 0

	s.tunnels.Range(func(key, value any) bool {
		tunnel := value.(Tunnel)
		if now.Sub(tunnel.CreationTime()) < maxAge {
			return true
		}

		uuid := key.(string)
		if err := tunnel.Close(); err != nil {
			s.log.WithError(err).WithField("tunnel", uuid).Debug("Unable to close expired tunnel")
		} else {
			s.log.WithField("tunnel", uuid).Debug("Closed tunnel due to age limit")
		}

		if _, existed := s.tunnels.LoadAndDelete(uuid); existed {
			closed++
		}
		return true
	})

	return closed
}

// Invalidate tears the session down: closes every tunnel, invalidates
// every context, invalidates the principal, then fires a
// session-invalidated event, in that order. Idempotent; only the first
// call does any work. Read accessors keep returning the now-stale state
// afterwards.
func (s *Session) Invalidate() {
	if !s.invalidated.CompareAndSwap(false, true) {
		return
	}

	// Close all associated tunnels, best effort.
	s.tunnels.Range(func(key, value any) bool {
		if err := value.(Tunnel).Close(); err != nil {
			s.log.WithError(err).WithField("tunnel", key.(string)).Debug("Unable to close tunnel")
		}
		s.tunnels.Delete(key)
		return true
	})

	s.mu.Lock()
	user := s.user
	contexts := s.contexts
	s.mu.Unlock()

	for _, err := range contexts.Invalidate() {
		s.log.WithError(err).Debug("Unable to invalidate user context")
	}

	if user != nil {
		user.Invalidate()
	}

	s.dispatcher.Dispatch(events.SessionInvalidatedEvent{User: user})
}

// Invalidated reports whether Invalidate has run.
func (s *Session) Invalidated() bool {
	return s.invalidated.Load()
}
