package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskgate/internal/activity"
)

type stubContext struct {
	valid       bool
	invalidErr  error
	self        *User
	connections map[string]*Connection
	users       map[string]*User
	groups      map[string]*Group
	history     []*activity.Record
}

func (c *stubContext) Self() *User { return c.self }
func (c *stubContext) Valid() bool { return c.valid }

func (c *stubContext) Invalidate() error {
	c.valid = false
	return c.invalidErr
}

func (c *stubContext) Connections() map[string]*Connection { return c.connections }
func (c *stubContext) Users() map[string]*User             { return c.users }
func (c *stubContext) Groups() map[string]*Group           { return c.groups }
func (c *stubContext) History() []*activity.Record         { return c.history }

func decorated(providerID string, ctx UserContext) *DecoratedContext {
	return &DecoratedContext{ProviderID: providerID, UserContext: ctx}
}

func TestContextSetByProvider(t *testing.T) {
	cs := ContextSet{
		decorated("file", &stubContext{valid: true}),
		decorated("postgres", &stubContext{valid: true}),
	}

	ctx, err := cs.ByProvider("postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres", ctx.ProviderID)

	_, err = cs.ByProvider("ldap")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextSetValid(t *testing.T) {
	a := &stubContext{valid: true}
	b := &stubContext{valid: true}
	cs := ContextSet{decorated("a", a), decorated("b", b)}

	assert.True(t, cs.Valid())

	b.valid = false
	assert.False(t, cs.Valid(), "one invalid context invalidates the whole set")

	assert.True(t, ContextSet{}.Valid(), "an empty set is vacuously valid")
}

func TestContextSetInvalidateCollectsErrors(t *testing.T) {
	a := &stubContext{valid: true, invalidErr: errors.New("boom")}
	b := &stubContext{valid: true}
	c := &stubContext{valid: true, invalidErr: errors.New("bang")}
	cs := ContextSet{decorated("a", a), decorated("b", b), decorated("c", c)}

	errs := cs.Invalidate()

	assert.Len(t, errs, 2)
	assert.False(t, a.valid)
	assert.False(t, b.valid, "a failing context does not stop the others from being invalidated")
	assert.False(t, c.valid)
}

func TestContextSetSelf(t *testing.T) {
	alice := &User{Identifier: "alice"}
	cs := ContextSet{
		decorated("a", &stubContext{valid: true, self: alice}),
		decorated("b", &stubContext{valid: true, self: &User{Identifier: "someone-else"}}),
	}

	assert.Equal(t, alice, cs.Self())
	assert.Nil(t, ContextSet{}.Self())
}

func TestContextSetConnectionsFirstProviderWins(t *testing.T) {
	fromA := &Connection{Identifier: "desk-1", Name: "from a"}
	fromB := &Connection{Identifier: "desk-1", Name: "from b"}
	onlyB := &Connection{Identifier: "desk-2", Name: "only b"}

	cs := ContextSet{
		decorated("a", &stubContext{valid: true, connections: map[string]*Connection{"desk-1": fromA}}),
		decorated("b", &stubContext{valid: true, connections: map[string]*Connection{"desk-1": fromB, "desk-2": onlyB}}),
	}

	merged := cs.Connections()
	require.Len(t, merged, 2)
	assert.Equal(t, fromA, merged["desk-1"], "the earlier provider claims a colliding identifier")
	assert.Equal(t, onlyB, merged["desk-2"])

	conn, err := cs.Connection("desk-1")
	require.NoError(t, err)
	assert.Equal(t, fromA, conn)

	_, err = cs.Connection("desk-99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextSetHistoryNewestFirst(t *testing.T) {
	now := time.Now()
	older := &activity.Record{ID: "1", StartTime: now.Add(-time.Hour)}
	newer := &activity.Record{ID: "2", StartTime: now}
	middle := &activity.Record{ID: "3", StartTime: now.Add(-30 * time.Minute)}

	cs := ContextSet{
		decorated("a", &stubContext{valid: true, history: []*activity.Record{older, newer}}),
		decorated("b", &stubContext{valid: true, history: []*activity.Record{middle}}),
	}

	history := cs.History()
	require.Len(t, history, 3)
	assert.Equal(t, "2", history[0].ID)
	assert.Equal(t, "3", history[1].ID)
	assert.Equal(t, "1", history[2].ID)
}

func TestAuthenticatedUserInvalidate(t *testing.T) {
	u := &AuthenticatedUser{Identifier: "alice", ProviderID: "file"}
	assert.True(t, u.Valid())

	u.Invalidate()
	u.Invalidate()
	assert.False(t, u.Valid())
}
