// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
)

// pendingOp is one operation deferred until the session is ready.
type pendingOp struct {
	name string
	run  func() error
}

// gate defers operations submitted before readiness and runs them, in
// submission order and exactly once, when the session becomes ready.
type gate struct {
	state *stateManager

	mu       sync.Mutex
	queue    []pendingOp
	maxSize  int
	closeErr error

	onFailure func(op string, err error)
	onQueued  func(op string)
	onFlushed func(op string)
}

func newGate(maxSize int) *gate {
	return &gate{
		state:   newStateManager(),
		maxSize: maxSize,
	}
}

// submit runs op now when the session is ready and otherwise queues it.
// An immediate run returns the operation's own error. A queued operation
// reports its error through onFailure when it eventually runs.
func (g *gate) submit(name string, run func() error) error {
	g.mu.Lock()
	switch g.state.get() {
	case StateClosed:
		err := g.closeErr
		g.mu.Unlock()
		return err
	case StateReady:
		// Submissions made while the queue drains run inline as well.
		g.mu.Unlock()
		return run()
	}

	if g.maxSize > 0 && len(g.queue) >= g.maxSize {
		g.mu.Unlock()
		return ErrQueueFull
	}
	g.queue = append(g.queue, pendingOp{name: name, run: run})
	g.mu.Unlock()

	if g.onQueued != nil {
		g.onQueued(name)
	}
	return nil
}

// authenticating moves a connecting gate to authenticating.
func (g *gate) authenticating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.transition(StateConnecting, StateAuthenticating)
}

// markReady opens the gate and drains the queue. It returns false when
// the gate was already ready or is closed.
func (g *gate) markReady() bool {
	g.mu.Lock()
	if !g.state.transitionFrom(StateReady, StateConnecting, StateAuthenticating) {
		g.mu.Unlock()
		return false
	}

	for {
		if len(g.queue) == 0 || g.state.isClosed() {
			g.queue = nil
			g.mu.Unlock()
			return true
		}
		op := g.queue[0]
		g.queue[0] = pendingOp{}
		g.queue = g.queue[1:]
		g.mu.Unlock()

		err := op.run()
		if g.onFlushed != nil {
			g.onFlushed(op.name)
		}
		if err != nil && g.onFailure != nil {
			g.onFailure(op.name, err)
		}

		g.mu.Lock()
	}
}

// disconnected returns the gate to connecting. A ready gate is reset only
// when regate is set. It reports whether the gate left the ready state.
func (g *gate) disconnected(regate bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.transition(StateAuthenticating, StateConnecting) {
		return false
	}
	return regate && g.state.transition(StateReady, StateConnecting)
}

// expire closes a gate that has not become ready. It returns the number
// of discarded operations and whether the gate was closed by this call.
func (g *gate) expire(err error) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state.get() {
	case StateReady, StateClosed:
		return 0, false
	}
	return g.closeLocked(err), true
}

// close closes the gate regardless of state and discards queued operations.
func (g *gate) close(err error) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.isClosed() {
		return 0, false
	}
	return g.closeLocked(err), true
}

func (g *gate) closeLocked(err error) int {
	dropped := len(g.queue)
	g.queue = nil
	g.closeErr = err
	g.state.set(StateClosed)
	return dropped
}

// pending returns the number of queued operations.
func (g *gate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
