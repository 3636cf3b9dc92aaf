// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default timeouts for the WebSocket adapter.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

// WebSocket is an Adapter backed by a gorilla/websocket client connection.
type WebSocket struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	cb     Callbacks
	closed bool

	// Write serialization: gorilla allows one concurrent writer only.
	writeMu sync.Mutex

	done chan struct{}
}

// NewWebSocket creates a WebSocket adapter.
func NewWebSocket(logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		logger:           logger,
	}
}

// Connect dials the URL and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context, url string, headers map[string]string, cb Callbacks) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.cb = cb
	w.mu.Unlock()

	w.notify(StateConnecting)

	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		w.notify(StateError)
		return err
	}

	// Server pings are answered with pongs carrying the same payload.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	w.mu.Lock()
	w.conn = conn
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.notify(StateConnected)
	w.logger.Debug("websocket_connected", slog.String("url", url))

	go w.readLoop(conn)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	w.mu.RLock()
	done := w.done
	w.mu.RUnlock()
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			intentional := w.conn == nil
			w.mu.Unlock()
			if intentional {
				return
			}

			w.logger.Debug("websocket_read_failed", slog.String("error", err.Error()))
			w.mu.Lock()
			w.conn = nil
			w.mu.Unlock()
			conn.Close()
			w.notify(StateError)
			return
		}

		w.mu.RLock()
		onMessage := w.cb.OnMessage
		w.mu.RUnlock()
		if onMessage != nil {
			onMessage(data, msgType == websocket.BinaryMessage)
		}
	}
}

// Disconnect closes the connection gracefully.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	done := w.done
	w.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	w.notify(StateDisconnecting)

	deadline := time.Now().Add(w.writeTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(w.writeTimeout):
		}
	}

	w.notify(StateDisconnected)
	return err
}

// SendMessage writes a text frame.
func (w *WebSocket) SendMessage(text string) error {
	return w.write(websocket.TextMessage, []byte(text))
}

// SendBinaryMessage writes a binary frame.
func (w *WebSocket) SendBinaryMessage(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

func (w *WebSocket) write(msgType int, data []byte) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return conn.WriteMessage(msgType, data)
}

// Cleanup closes any live connection and marks the adapter unusable.
func (w *WebSocket) Cleanup() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.closed = true
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (w *WebSocket) notify(s State) {
	w.mu.RLock()
	onStateChange := w.cb.OnStateChange
	w.mu.RUnlock()
	if onStateChange != nil {
		onStateChange(s)
	}
}
