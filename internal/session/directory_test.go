package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskgate/internal/auth"
	"deskgate/internal/events"
	"deskgate/internal/logger"
)

func testDirectory(t *testing.T, opts Options) *Directory {
	t.Helper()
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	log := logger.Setup(io.Discard, "debug")
	d := NewDirectory(opts, events.NewDispatcher(log), log)
	t.Cleanup(d.Shutdown)
	return d
}

func testPrincipal(name string) (*auth.AuthenticatedUser, auth.ContextSet) {
	user := &auth.AuthenticatedUser{Identifier: name, ProviderID: "file"}
	contexts := auth.ContextSet{{ProviderID: "file", UserContext: newFakeContext()}}
	return user, contexts
}

func TestDirectoryCreateAndGet(t *testing.T) {
	d := testDirectory(t, Options{})
	user, contexts := testPrincipal("alice")

	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, ok := d.Get(token)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, d.Count())

	_, ok = d.Get("")
	assert.False(t, ok)
	_, ok = d.Get("no-such-token")
	assert.False(t, ok)
}

func TestDirectoryConcurrentCreateYieldsDistinctTokens(t *testing.T) {
	d := testDirectory(t, Options{})

	const n = 100
	tokens := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, contexts := testPrincipal("alice")
			token, _, err := d.Create(user, contexts)
			assert.NoError(t, err)
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]struct{})
	for token := range tokens {
		_, dup := seen[token]
		require.False(t, dup, "two sessions share a token")
		seen[token] = struct{}{}
	}
	assert.Equal(t, n, d.Count())
}

func TestDirectoryGetBumpsAccessTime(t *testing.T) {
	d := testDirectory(t, Options{})
	user, contexts := testPrincipal("alice")
	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	before := sess.LastAccessedTime()
	time.Sleep(5 * time.Millisecond)
	d.Get(token)

	assert.True(t, sess.LastAccessedTime().After(before))
}

func TestDirectoryDestroy(t *testing.T) {
	d := testDirectory(t, Options{})
	user, contexts := testPrincipal("alice")
	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	assert.True(t, d.Destroy(token))
	assert.True(t, sess.Invalidated(), "destroy invalidates the removed session")
	assert.False(t, d.Destroy(token), "second destroy reports absence")
	assert.Equal(t, 0, d.Count())
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	d := testDirectory(t, Options{IdleTimeout: 10 * time.Millisecond})
	user, contexts := testPrincipal("alice")
	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	d.Sweep()

	_, ok := d.Get(token)
	assert.False(t, ok)
	assert.True(t, sess.Invalidated())
	assert.Equal(t, 1, d.Evictions())
}

func TestSweepSkipsSessionsHoldingTunnels(t *testing.T) {
	d := testDirectory(t, Options{IdleTimeout: 10 * time.Millisecond})
	user, contexts := testPrincipal("alice")
	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	sess.AddTunnel(newFakeTunnel("a", time.Minute))

	time.Sleep(20 * time.Millisecond)
	d.Sweep()

	_, ok := d.Get(token)
	assert.True(t, ok, "a session with open tunnels never idles out")
}

func TestSweepEvictsInvalidSessionsImmediately(t *testing.T) {
	d := testDirectory(t, Options{IdleTimeout: time.Hour})
	user, contexts := testPrincipal("alice")
	token, _, err := d.Create(user, contexts)
	require.NoError(t, err)

	contexts[0].UserContext.Invalidate()
	d.Sweep()

	_, ok := d.Get(token)
	assert.False(t, ok, "sessions with invalid contexts are evicted regardless of idle time")
}

func TestSweepAgesOutOldTunnels(t *testing.T) {
	d := testDirectory(t, Options{IdleTimeout: time.Hour, TunnelMaxAge: time.Minute})
	user, contexts := testPrincipal("alice")
	token, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	old := newFakeTunnel("old", time.Hour)
	sess.AddTunnel(old)

	d.Sweep()

	assert.Equal(t, 1, old.closeCount())
	_, ok := d.Get(token)
	assert.True(t, ok, "losing a tunnel to the age limit does not evict the session")
}

func TestShutdownInvalidatesAndRejectsCreate(t *testing.T) {
	log := logger.Setup(io.Discard, "debug")
	d := NewDirectory(Options{IdleTimeout: time.Hour, SweepInterval: time.Hour}, events.NewDispatcher(log), log)

	user, contexts := testPrincipal("alice")
	_, sess, err := d.Create(user, contexts)
	require.NoError(t, err)

	d.Shutdown()
	d.Shutdown() // idempotent

	assert.True(t, sess.Invalidated())

	_, _, err = d.Create(testPrincipal("bob"))
	assert.ErrorIs(t, err, ErrDirectoryClosed)
}

func TestShutdownLeavesNoLiveSessionBehindCreate(t *testing.T) {
	const (
		iterations = 200
		creators   = 4
	)

	for i := 0; i < iterations; i++ {
		log := logger.Setup(io.Discard, "error")
		d := NewDirectory(Options{IdleTimeout: time.Hour, SweepInterval: time.Hour}, events.NewDispatcher(log), log)

		created := make(chan *Session, creators)

		var wg sync.WaitGroup
		for c := 0; c < creators; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				user, contexts := testPrincipal("alice")
				if _, sess, err := d.Create(user, contexts); err == nil {
					created <- sess
				}
			}()
		}

		d.Shutdown()
		wg.Wait()
		close(created)

		for sess := range created {
			require.True(t, sess.Invalidated(), "session survived shutdown without teardown")
		}
		require.Equal(t, 0, d.Count())
	}
}
