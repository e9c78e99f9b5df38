// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// Listeners is a concurrency-safe event name to handlers registry.
type Listeners struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewListeners creates an empty registry.
func NewListeners() *Listeners {
	return &Listeners{handlers: make(map[string][]Handler)}
}

// Add appends h for event.
func (l *Listeners) Add(event string, h Handler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[event] = append(l.handlers[event], h)
}

// Remove drops every handler for event.
func (l *Listeners) Remove(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, event)
}

// Count returns the number of handlers for event.
func (l *Listeners) Count(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[event])
}

// Dispatch invokes the handlers for msg.Event in registration order. The
// handler list is snapshotted first so handlers may modify the registry.
func (l *Listeners) Dispatch(msg Message) int {
	l.mu.RLock()
	hs := make([]Handler, len(l.handlers[msg.Event]))
	copy(hs, l.handlers[msg.Event])
	l.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
	return len(hs)
}
