// Package listener delivers relay events to session callbacks. A Dispatcher
// holds one session's listener table, maintained by enable/disable
// directives; the Hub fans every published event out to all attached
// dispatchers.
package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Scope selects which contexts a listener covers. The zero value is global.
type Scope struct {
	ContextID string
}

var Global = Scope{}

func ContextScope(id string) Scope {
	return Scope{ContextID: id}
}

func (s Scope) IsGlobal() bool {
	return s.ContextID == ""
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "context:" + s.ContextID
}

// Event is a single occurrence published by an event source. TopLevelID is
// the top-level ancestor of ContextID; both are empty for events not tied to
// a browsing context.
type Event struct {
	Name       string
	ContextID  string
	TopLevelID string
	Params     any
}

type Callback func(Event)

// Directive asks a dispatcher to start or stop delivering Event for Scope.
type Directive struct {
	Event    string
	Scope    Scope
	Callback Callback
	Enable   bool
}

func (d Directive) String() string {
	verb := "disable"
	if d.Enable {
		verb = "enable"
	}
	return fmt.Sprintf("%s %s@%s", verb, d.Event, d.Scope)
}

type listenerKey struct {
	event string
	scope Scope
}

type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[listenerKey]Callback
	logger    zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[listenerKey]Callback),
		logger:    logger,
	}
}

// Apply validates every directive, then applies them in order. Enabling a
// registered key or disabling a missing one is a no-op.
func (d *Dispatcher) Apply(ctx context.Context, directives []Directive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, dir := range directives {
		if dir.Event == "" {
			return fmt.Errorf("directive %d: missing event name", i)
		}
		if dir.Enable && dir.Callback == nil {
			return fmt.Errorf("directive %d (%s): enable without callback", i, dir)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dir := range directives {
		key := listenerKey{event: dir.Event, scope: dir.Scope}
		_, exists := d.listeners[key]
		switch {
		case dir.Enable && exists:
			d.logger.Debug().Str("directive", dir.String()).Msg("listener already registered")
		case dir.Enable:
			d.listeners[key] = dir.Callback
			d.logger.Trace().Str("directive", dir.String()).Msg("listener registered")
		case exists:
			delete(d.listeners, key)
			d.logger.Trace().Str("directive", dir.String()).Msg("listener removed")
		default:
			d.logger.Debug().Str("directive", dir.String()).Msg("no listener to remove")
		}
	}
	return nil
}

// Deliver invokes the callback registered for ev, preferring a global
// registration over one scoped to ev.TopLevelID. It reports whether a
// callback ran.
func (d *Dispatcher) Deliver(ev Event) bool {
	d.mu.RLock()
	cb, ok := d.listeners[listenerKey{event: ev.Name, scope: Global}]
	if !ok && ev.TopLevelID != "" {
		cb, ok = d.listeners[listenerKey{event: ev.Name, scope: ContextScope(ev.TopLevelID)}]
	}
	d.mu.RUnlock()

	if !ok {
		return false
	}
	cb(ev)
	return true
}

func (d *Dispatcher) IsListening(event string, scope Scope) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.listeners[listenerKey{event: event, scope: scope}]
	return ok
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Close drops every registration.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.listeners)
}
