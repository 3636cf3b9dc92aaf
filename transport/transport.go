// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the adapter contract between the realtime core
// and a platform networking implementation. The core never performs socket
// I/O itself; it drives an injected Adapter and reacts to its callbacks.
package transport

import (
	"context"
	"errors"
)

// Adapter errors.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrClosed           = errors.New("transport closed")
)

// State represents the transport-level connection state.
type State uint32

// Transport states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Callbacks carry the push-style notifications an Adapter delivers to its
// owner. Both callbacks may be invoked from the adapter's own goroutines.
type Callbacks struct {
	// OnMessage is invoked for every inbound frame. binary reports whether
	// the frame arrived as a binary frame rather than text.
	OnMessage func(data []byte, binary bool)

	// OnStateChange is invoked on every transport state transition.
	OnStateChange func(state State)
}

// Adapter is the injected capability that opens a connection to a URL and
// exchanges frames over it. Implementations exist per platform; the core
// ships a WebSocket adapter and a fake for tests.
type Adapter interface {
	// Connect opens the connection and starts delivering callbacks.
	Connect(ctx context.Context, url string, headers map[string]string, cb Callbacks) error

	// Disconnect closes the connection gracefully.
	Disconnect() error

	// SendMessage writes a text frame.
	SendMessage(text string) error

	// SendBinaryMessage writes a binary frame.
	SendBinaryMessage(data []byte) error

	// Cleanup releases any resources held by the adapter. The adapter must
	// not be reused afterwards.
	Cleanup()
}
