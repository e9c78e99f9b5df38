// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateManager(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateConnecting {
		t.Errorf("initial state should be Connecting, got %v", sm.get())
	}

	sm.set(StateReady)
	if !sm.isReady() {
		t.Errorf("state should be Ready after set, got %v", sm.get())
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()

	if !sm.transition(StateConnecting, StateAuthenticating) {
		t.Error("transition Connecting -> Authenticating should succeed")
	}
	if sm.transition(StateConnecting, StateReady) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateAuthenticating {
		t.Errorf("state should still be Authenticating, got %v", sm.get())
	}
}

func TestStateTransitionFrom(t *testing.T) {
	sm := newStateManager()

	if !sm.transitionFrom(StateReady, StateConnecting, StateAuthenticating) {
		t.Error("transitionFrom should succeed when current state matches one of the from states")
	}

	sm.set(StateClosed)
	if sm.transitionFrom(StateReady, StateConnecting, StateAuthenticating) {
		t.Error("transitionFrom should fail when current state doesn't match any from states")
	}
	if !sm.isClosed() {
		t.Errorf("state should still be Closed, got %v", sm.get())
	}
}

func TestStateConcurrentTransition(t *testing.T) {
	sm := newStateManager()

	var wg sync.WaitGroup
	wins := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- sm.transition(StateConnecting, StateAuthenticating)
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for ok := range wins {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Errorf("exactly one transition should win, got %d", n)
	}
}
