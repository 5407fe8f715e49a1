package events

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"deskgate/internal/auth"
	"deskgate/internal/logger"
)

func testDispatcher() *Dispatcher {
	return NewDispatcher(logger.Setup(io.Discard, "debug"))
}

func TestDispatchReachesEveryListener(t *testing.T) {
	d := testDispatcher()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		d.Register(ListenerFunc(func(e Event) error {
			order = append(order, i)
			return nil
		}))
	}

	d.Dispatch(SessionStartedEvent{User: &auth.AuthenticatedUser{Identifier: "alice"}})

	assert.Equal(t, []int{0, 1, 2}, order, "listeners run in registration order")
}

func TestDispatchIsolatesFailingListeners(t *testing.T) {
	d := testDispatcher()

	reached := false
	d.Register(ListenerFunc(func(e Event) error {
		return errors.New("listener broken")
	}))
	d.Register(ListenerFunc(func(e Event) error {
		panic("listener panicked")
	}))
	d.Register(ListenerFunc(func(e Event) error {
		reached = true
		return nil
	}))

	d.Dispatch(SessionInvalidatedEvent{})

	assert.True(t, reached, "failures and panics never block later listeners")
}

func TestDispatchVetoableReturnsFirstError(t *testing.T) {
	d := testDispatcher()

	first := errors.New("first veto")
	calls := 0
	d.Register(ListenerFunc(func(e Event) error {
		calls++
		return first
	}))
	d.Register(ListenerFunc(func(e Event) error {
		calls++
		return errors.New("second veto")
	}))
	d.Register(ListenerFunc(func(e Event) error {
		calls++
		return nil
	}))

	err := d.DispatchVetoable(AuthenticationSuccessEvent{User: &auth.AuthenticatedUser{Identifier: "alice"}})

	assert.ErrorIs(t, err, first)
	assert.Equal(t, 3, calls, "a veto does not short-circuit delivery")
}

func TestDispatchVetoableConvertsPanicToError(t *testing.T) {
	d := testDispatcher()
	d.Register(ListenerFunc(func(e Event) error {
		panic("oops")
	}))

	err := d.DispatchVetoable(AuthenticationSuccessEvent{})
	assert.Error(t, err)
}

func TestDispatchWithNoListeners(t *testing.T) {
	d := testDispatcher()
	assert.NotPanics(t, func() {
		d.Dispatch(TunnelConnectEvent{TunnelUUID: "x"})
	})
	assert.NoError(t, d.DispatchVetoable(AuthenticationSuccessEvent{}))
}
