// Package fsm implements the small finite state machine both client machines are built on.
//
// A Machine holds the current state, a per-state transition table, a wildcard
// table consulted before it, and entry hooks fired whenever a state becomes
// current. Machines are not safe for concurrent use: callers feed them from a
// single goroutine (see lib/async.Loop).
package fsm

// Handler computes the next state. Returning the current state keeps it.
type Handler[S comparable] func(args ...any) S

// Observer is notified after every applied transition, before entry hooks run.
type Observer[S comparable, E comparable] func(from, to S, event E)

type transitionKey[S comparable, E comparable] struct {
	state S
	event E
}

// Machine is a generic finite state machine over a state type S and an event type E.
type Machine[S comparable, E comparable] struct {
	state     S
	acts      map[transitionKey[S, E]]Handler[S]
	wilds     map[E]Handler[S]
	hooks     map[S][]func()
	observers []Observer[S, E]
}

// New creates a machine in the initial state. Entry hooks do not fire for it.
func New[S comparable, E comparable](initial S) *Machine[S, E] {
	return &Machine[S, E]{
		state: initial,
		acts:  make(map[transitionKey[S, E]]Handler[S]),
		wilds: make(map[E]Handler[S]),
		hooks: make(map[S][]func()),
	}
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	return m.state
}

// Act registers the transition for (state, event). Registering a pair twice
// replaces the earlier handler.
func (m *Machine[S, E]) Act(state S, event E, handler Handler[S]) {
	if handler == nil {
		panic("fsm: nil handler")
	}
	m.acts[transitionKey[S, E]{state: state, event: event}] = handler
}

// HasAct reports whether a per-state transition exists for (state, event).
func (m *Machine[S, E]) HasAct(state S, event E) bool {
	_, ok := m.acts[transitionKey[S, E]{state: state, event: event}]
	return ok
}

// WildAct registers a handler that runs for event in any state. Wildcards take
// precedence over the per-state table.
func (m *Machine[S, E]) WildAct(event E, handler Handler[S]) {
	if handler == nil {
		panic("fsm: nil handler")
	}
	m.wilds[event] = handler
}

// HasWildAct reports whether a wildcard handler exists for event.
func (m *Machine[S, E]) HasWildAct(event E) bool {
	_, ok := m.wilds[event]
	return ok
}

// On registers a callback fired every time the machine enters state.
func (m *Machine[S, E]) On(state S, callback func()) {
	if callback == nil {
		return
	}
	m.hooks[state] = append(m.hooks[state], callback)
}

// Observe registers a transition observer.
func (m *Machine[S, E]) Observe(observer Observer[S, E]) {
	if observer == nil {
		return
	}
	m.observers = append(m.observers, observer)
}

// Feed applies event. Unknown (state, event) pairs are dropped silently.
//
// A panic inside a handler leaves the state unchanged. A panic inside an entry
// hook leaves the new state set and skips the remaining hooks. Both propagate
// to the caller.
func (m *Machine[S, E]) Feed(event E, args ...any) {
	handler, ok := m.wilds[event]
	if !ok {
		handler, ok = m.acts[transitionKey[S, E]{state: m.state, event: event}]
	}
	if !ok {
		return
	}
	from := m.state
	next := handler(args...)
	m.state = next
	for _, observer := range m.observers {
		observer(from, next, event)
	}
	for _, hook := range m.hooks[next] {
		hook()
	}
}

// Feeder returns a function that feeds event. It adapts a machine as an entry
// hook subscriber of another machine.
func (m *Machine[S, E]) Feeder(event E) func() {
	return func() {
		m.Feed(event)
	}
}
