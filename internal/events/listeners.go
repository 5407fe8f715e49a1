package events

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives lifecycle events. A listener returning an error only
// matters for vetoable dispatch; panics are contained either way.
type Listener interface {
	HandleEvent(e Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e Event) error

func (f ListenerFunc) HandleEvent(e Event) error { return f(e) }

// Dispatcher fans events out to every registered listener. One listener's
// failure or panic never blocks delivery to the others.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *logrus.Logger
}

func NewDispatcher(log *logrus.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Register adds a listener. Listeners are notified in registration order.
func (d *Dispatcher) Register(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch delivers e to every listener, logging failures and moving on.
func (d *Dispatcher) Dispatch(e Event) {
	d.dispatch(e)
}

// DispatchVetoable delivers e to every listener and returns the first
// error any of them produced. All listeners still receive the event even
// after one has vetoed it.
func (d *Dispatcher) DispatchVetoable(e Event) error {
	return d.dispatch(e)
}

func (d *Dispatcher) dispatch(e Event) error {
	d.mu.RLock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()

	var firstErr error
	for _, l := range listeners {
		if err := d.notify(l, e); err != nil {
			d.log.WithError(err).WithField("event", e.Type()).Warn("Event listener failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// notify invokes one listener, converting a panic into an error so a
// misbehaving listener cannot take down the dispatch loop.
func (d *Dispatcher) notify(l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.HandleEvent(e)
}
