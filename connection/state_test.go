// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnecting, "disconnecting"},
		{StateError, "error"},
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

	if sm.get() != StateDisconnected {
		t.Errorf("initial state should be Disconnected, got %v", sm.get())
	}

	sm.set(StateConnected)
	if sm.get() != StateConnected {
		t.Errorf("state should be Connected after set, got %v", sm.get())
	}
	if !sm.isConnected() {
		t.Error("isConnected should be true in Connected state")
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()

	if !sm.transition(StateDisconnected, StateConnecting) {
		t.Error("transition Disconnected -> Connecting should succeed")
	}
	if sm.get() != StateConnecting {
		t.Errorf("state should be Connecting, got %v", sm.get())
	}

	// Transition with wrong 'from' state must fail and leave state untouched.
	if sm.transition(StateDisconnected, StateConnected) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateConnecting {
		t.Errorf("state should remain Connecting, got %v", sm.get())
	}
}

func TestStateTransitionFrom(t *testing.T) {
	sm := newStateManager()
	sm.set(StateError)

	if !sm.transitionFrom(StateConnecting, StateDisconnected, StateError) {
		t.Error("transitionFrom should match any listed state")
	}
	if sm.get() != StateConnecting {
		t.Errorf("state should be Connecting, got %v", sm.get())
	}

	if sm.transitionFrom(StateConnected, StateDisconnected, StateError) {
		t.Error("transitionFrom should fail when no listed state matches")
	}
}

func TestStateTransitionConcurrent(t *testing.T) {
	sm := newStateManager()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.transition(StateDisconnected, StateConnecting) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("exactly one CAS transition should win, got %d", count)
	}
}
