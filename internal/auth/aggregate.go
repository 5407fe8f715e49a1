package auth

import (
	"fmt"
	"sort"

	"deskgate/internal/activity"
)

// DecoratedContext tags a UserContext with the identifier of the provider
// that produced it.
type DecoratedContext struct {
	ProviderID string
	UserContext
}

// ContextSet is the ordered collection of per-provider contexts owned by
// one session. Order follows provider configuration order; merged views
// resolve identifier collisions in favor of the earliest provider.
type ContextSet []*DecoratedContext

// ByProvider returns the context produced by the provider with the given
// identifier, or ErrNotFound if the set holds no such context.
func (cs ContextSet) ByProvider(providerID string) (*DecoratedContext, error) {
	for _, ctx := range cs {
		if ctx.ProviderID == providerID {
			return ctx, nil
		}
	}
	return nil, fmt.Errorf("no context from provider %q: %w", providerID, ErrNotFound)
}

// Valid reports whether every context in the set is still valid.
func (cs ContextSet) Valid() bool {
	for _, ctx := range cs {
		if !ctx.Valid() {
			return false
		}
	}
	return true
}

// Invalidate invalidates every context. Per-context failures are collected
// but never stop the loop. Idempotent as long as each context's own
// Invalidate is.
func (cs ContextSet) Invalidate() []error {
	var errs []error
	for _, ctx := range cs {
		if err := ctx.Invalidate(); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", ctx.ProviderID, err))
		}
	}
	return errs
}

// Self returns the identity record of the primary (first) context, or nil
// for an empty set.
func (cs ContextSet) Self() *User {
	if len(cs) == 0 {
		return nil
	}
	return cs[0].Self()
}

// Connections merges the connection directories of every context. The
// first provider to claim an identifier wins.
func (cs ContextSet) Connections() map[string]*Connection {
	merged := make(map[string]*Connection)
	for _, ctx := range cs {
		for id, conn := range ctx.Connections() {
			if _, taken := merged[id]; !taken {
				merged[id] = conn
			}
		}
	}
	return merged
}

// Connection locates one connection by identifier across all contexts,
// honoring the same first-provider-wins rule as Connections.
func (cs ContextSet) Connection(id string) (*Connection, error) {
	for _, ctx := range cs {
		if conn, ok := ctx.Connections()[id]; ok {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

// Users merges the user directories of every context, first provider wins.
func (cs ContextSet) Users() map[string]*User {
	merged := make(map[string]*User)
	for _, ctx := range cs {
		for id, user := range ctx.Users() {
			if _, taken := merged[id]; !taken {
				merged[id] = user
			}
		}
	}
	return merged
}

// Groups merges the group directories of every context, first provider
// wins.
func (cs ContextSet) Groups() map[string]*Group {
	merged := make(map[string]*Group)
	for _, ctx := range cs {
		for id, group := range ctx.Groups() {
			if _, taken := merged[id]; !taken {
				merged[id] = group
			}
		}
	}
	return merged
}

// History concatenates the history of every context, newest first.
func (cs ContextSet) History() []*activity.Record {
	var all []*activity.Record
	for _, ctx := range cs {
		all = append(all, ctx.History()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})
	return all
}
