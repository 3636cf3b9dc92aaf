// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Fake is an in-memory Adapter for tests. Outbound frames are captured,
// inbound frames and state changes are injected manually.
type Fake struct {
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// SendErr, when set, is returned by SendMessage and SendBinaryMessage.
	SendErr error

	mu        sync.Mutex
	cb        Callbacks
	connected bool
	cleaned   bool

	sentText   []string
	sentBinary [][]byte
	connects   int
}

// NewFake creates a fake adapter.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Connect(ctx context.Context, url string, headers map[string]string, cb Callbacks) error {
	f.mu.Lock()
	f.cb = cb
	f.connects++
	f.mu.Unlock()

	cb.notifyState(StateConnecting)
	if f.ConnectErr != nil {
		cb.notifyState(StateError)
		return f.ConnectErr
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	cb.notifyState(StateConnected)
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.connected = false
	cb := f.cb
	f.mu.Unlock()

	cb.notifyState(StateDisconnected)
	return nil
}

func (f *Fake) SendMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sentText = append(f.sentText, text)
	return nil
}

func (f *Fake) SendBinaryMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sentBinary = append(f.sentBinary, append([]byte(nil), data...))
	return nil
}

func (f *Fake) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.cleaned = true
}

// InjectMessage delivers an inbound text frame to the owner.
func (f *Fake) InjectMessage(data []byte) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnMessage != nil {
		cb.OnMessage(data, false)
	}
}

// InjectStateChange delivers a transport state transition to the owner.
// Dropping to Error or Disconnected also marks the fake disconnected.
func (f *Fake) InjectStateChange(s State) {
	f.mu.Lock()
	if s == StateError || s == StateDisconnected {
		f.connected = false
	}
	cb := f.cb
	f.mu.Unlock()
	cb.notifyState(s)
}

// SentText returns a copy of all captured text frames.
func (f *Fake) SentText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentText...)
}

// SentBinary returns a copy of all captured binary frames.
func (f *Fake) SentBinary() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sentBinary))
	copy(out, f.sentBinary)
	return out
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Connected reports whether the fake currently considers itself connected.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Cleaned reports whether Cleanup was called.
func (f *Fake) Cleaned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}

func (cb Callbacks) notifyState(s State) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(s)
	}
}
