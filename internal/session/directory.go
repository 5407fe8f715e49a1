package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deskgate/internal/auth"
	"deskgate/internal/events"
)

// ErrDirectoryClosed is returned by Create once Shutdown has begun.
var ErrDirectoryClosed = errors.New("session directory is shut down")

// Options tunes the directory's expiration policy.
type Options struct {
	// IdleTimeout evicts sessions unaccessed for this long, unless they
	// still hold tunnels.
	IdleTimeout time.Duration

	// TunnelMaxAge force-closes tunnels older than this on every sweep.
	// Zero disables age-based tunnel eviction.
	TunnelMaxAge time.Duration

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// Directory is the process-wide token -> Session store. It owns the
// background sweep that applies the idle-timeout and tunnel-age policies.
type Directory struct {
	sessions sync.Map // token -> *Session

	opts       Options
	dispatcher *events.Dispatcher
	log        *logrus.Logger

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	sessionCount atomic.Int64
	evictions    atomic.Int64
}

// NewDirectory creates the directory and starts its sweep loop.
func NewDirectory(opts Options, dispatcher *events.Dispatcher, log *logrus.Logger) *Directory {
	d := &Directory{
		opts:       opts,
		dispatcher: dispatcher,
		log:        log,
		done:       make(chan struct{}),
	}

	log.WithField("idle_timeout", opts.IdleTimeout).Info("Sessions will expire after inactivity")

	d.wg.Add(1)
	go d.sweepLoop()

	return d
}

// Create builds a new session for the given principal and contexts,
// inserts it under a freshly generated token and returns both. Two
// concurrent calls can never observe or produce a colliding token.
func (d *Directory) Create(user *auth.AuthenticatedUser, contexts auth.ContextSet) (string, *Session, error) {
	if d.closed.Load() {
		return "", nil, ErrDirectoryClosed
	}

	sess := New(d.dispatcher, d.log, user, contexts)

	for {
		token := GenerateToken()
		if _, loaded := d.sessions.LoadOrStore(token, sess); !loaded {
			d.sessionCount.Add(1)
			// Shutdown may have raced past the check above and finished its
			// Range before this insert landed. Re-check and undo the insert
			// so every stored session is guaranteed a teardown. When the
			// shutdown Range wins the removal instead, it also invalidates
			// and uncounts the session.
			if d.closed.Load() {
				if _, ok := d.Remove(token); ok {
					sess.Invalidate()
				}
				return "", nil, ErrDirectoryClosed
			}
			d.dispatcher.Dispatch(events.SessionStartedEvent{User: user})
			return token, sess, nil
		}
	}
}

// Get resolves a token to its session, marking the session accessed.
func (d *Directory) Get(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	value, ok := d.sessions.Load(token)
	if !ok {
		return nil, false
	}
	sess := value.(*Session)
	sess.Access()
	return sess, true
}

// Remove atomically detaches the token's session without invalidating it.
// The caller must invalidate the returned session exactly once.
func (d *Directory) Remove(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	value, ok := d.sessions.LoadAndDelete(token)
	if !ok {
		return nil, false
	}
	d.sessionCount.Add(-1)
	return value.(*Session), true
}

// Destroy removes the token's session and invalidates it as one logical
// unit, reporting whether the token existed.
func (d *Directory) Destroy(token string) bool {
	sess, ok := d.Remove(token)
	if !ok {
		return false
	}
	sess.Invalidate()
	return true
}

// Count returns the number of live sessions.
func (d *Directory) Count() int {
	return int(d.sessionCount.Load())
}

// TunnelCount returns the number of open tunnels across all sessions.
func (d *Directory) TunnelCount() int {
	count := 0
	d.sessions.Range(func(_, value any) bool {
		count += len(value.(*Session).Tunnels())
		return true
	})
	return count
}

// Evictions returns how many sessions the sweep has evicted since startup.
func (d *Directory) Evictions() int {
	return int(d.evictions.Load())
}

// Shutdown invalidates every held session and rejects further Create
// calls. Safe to call concurrently with normal operations and more than
// once.
func (d *Directory) Shutdown() {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()

		d.sessions.Range(func(key, value any) bool {
			if sess, ok := d.Remove(key.(string)); ok {
				d.invalidate(sess)
			}
			return true
		})

		d.log.Info("Session directory shut down")
	})
}

func (d *Directory) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep applies the expiration policy once: age out old tunnels first,
// then evict idle or invalid sessions. One session's failure never aborts
// the sweep of the rest.
func (d *Directory) Sweep() {
	start := time.Now()
	d.log.Debug("Checking for expired sessions")

	d.sessions.Range(func(key, value any) bool {
		token := key.(string)
		sess := value.(*Session)

		if closed := sess.CloseExpiredTunnels(d.opts.TunnelMaxAge); closed > 0 {
			d.log.WithField("count", closed).Debug("Closed tunnels past age limit")
		}

		// Sessions holding tunnels are active and never idle out.
		if sess.HasTunnels() {
			return true
		}

		idle := start.Sub(sess.LastAccessedTime())
		if idle < d.opts.IdleTimeout && sess.Valid() {
			return true
		}

		if removed, ok := d.Remove(token); ok {
			d.log.WithField("idle", idle.Round(time.Second)).Debug("Session has timed out")
			d.invalidate(removed)
			d.evictions.Add(1)
		}
		return true
	})

	d.log.WithField("elapsed", time.Since(start)).Debug("Session check completed")
}

// invalidate isolates one session's teardown so a panicking context or
// listener cannot abort a sweep or shutdown.
func (d *Directory) invalidate(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("Session invalidation panicked")
		}
	}()
	sess.Invalidate()
}
