// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection implements the lifecycle of one logical connection:
// state machine, reconnection policy, heartbeat protocol, and the
// send/receive surface. Socket I/O is delegated to an injected
// transport.Adapter.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/transport"
)

// Manager owns one logical connection.
type Manager struct {
	id      string
	opts    *Options
	adapter transport.Adapter
	state   *stateManager
	logger  *slog.Logger

	// Target retained for reconnection.
	urlMu   sync.RWMutex
	url     string
	headers map[string]string

	// Reconnection
	attempts     atomic.Int32
	reconnecting atomic.Bool
	reconnMu     sync.Mutex
	reconnStop   chan struct{}
	reconnDone   chan struct{}

	// Heartbeat
	hbMu   sync.Mutex
	hbStop chan struct{}

	// Inbound envelopes
	msgCh chan *Envelope

	// State observers
	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	closed atomic.Bool
}

// NewManager creates a connection manager around the given adapter.
func NewManager(adapter transport.Adapter, opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	opts.normalize()

	return &Manager{
		id:      uuid.NewString(),
		opts:    opts,
		adapter: adapter,
		state:   newStateManager(),
		logger:  opts.Logger,
		msgCh:   make(chan *Envelope, opts.MessageChanSize),
		subs:    make(map[int]chan State),
	}
}

// ID returns the manager's unique identifier.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state.get()
}

// IsConnected reports whether the connection is established.
func (m *Manager) IsConnected() bool {
	return m.state.isConnected()
}

// ReconnectAttempts returns the current reconnection attempt counter.
func (m *Manager) ReconnectAttempts() int {
	return int(m.attempts.Load())
}

// IsReconnecting reports whether a reconnection sequence is in flight.
func (m *Manager) IsReconnecting() bool {
	return m.reconnecting.Load()
}

// Messages returns the stream of inbound envelopes. Heartbeat pings are
// answered internally and never appear on this channel.
func (m *Manager) Messages() <-chan *Envelope {
	return m.msgCh
}

// SubscribeStates registers a state observer. The returned cancel func
// removes it. Slow observers lose intermediate transitions, never block.
func (m *Manager) SubscribeStates() (<-chan State, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 16)
	m.subs[id] = ch

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// Connect establishes the connection to the given URL. The URL and headers
// are retained for automatic reconnection.
func (m *Manager) Connect(ctx context.Context, url string, headers map[string]string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if url == "" {
		return ErrEmptyURL
	}

	// A manual connect supersedes any reconnect chain in flight; the
	// chain must be fully stopped before the state transition so the
	// loop cannot clobber the state this call is about to own.
	m.cancelReconnect()

	if !m.state.transitionFrom(StateConnecting, StateDisconnected, StateError) {
		return ErrAlreadyConnected
	}
	m.notifyState(StateConnecting)

	m.urlMu.Lock()
	m.url = url
	m.headers = headers
	m.urlMu.Unlock()

	if err := m.doConnect(ctx, url, headers); err != nil {
		m.setState(StateDisconnected)
		m.startReconnect()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.onConnected()
	return nil
}

func (m *Manager) doConnect(ctx context.Context, url string, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectionTimeout)
	defer cancel()

	return m.adapter.Connect(ctx, url, headers, transport.Callbacks{
		OnMessage:     m.handleInbound,
		OnStateChange: m.handleTransportState,
	})
}

func (m *Manager) onConnected() {
	m.attempts.Store(0)
	m.setState(StateConnected)
	m.startHeartbeat()

	if m.opts.OnConnect != nil {
		go m.opts.OnConnect()
	}
}

// Disconnect closes the connection and cancels any reconnection sequence
// and heartbeat timer immediately.
func (m *Manager) Disconnect() error {
	m.cancelReconnect()

	if !m.state.transitionFrom(StateDisconnecting, StateConnected, StateConnecting, StateError) {
		m.state.set(StateDisconnected)
		return nil
	}
	m.notifyState(StateDisconnecting)

	m.stopHeartbeat()
	err := m.adapter.Disconnect()
	m.setState(StateDisconnected)

	if err != nil && err != transport.ErrNotConnected {
		return err
	}
	return nil
}

// Close disconnects, releases the adapter, and makes the manager unusable.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.Disconnect()
	m.adapter.Cleanup()
	return err
}

// SendMessage sends a text frame. It fails when not connected; queuing is
// the offline queue's responsibility, layered on top.
func (m *Manager) SendMessage(text string) error {
	if !m.state.isConnected() {
		return ErrNotConnected
	}
	return m.adapter.SendMessage(text)
}

// SendBinaryMessage sends a binary frame.
func (m *Manager) SendBinaryMessage(data []byte) error {
	if !m.state.isConnected() {
		return ErrNotConnected
	}
	return m.adapter.SendBinaryMessage(data)
}

// Send encodes and sends an envelope.
func (m *Manager) Send(env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return m.SendMessage(string(data))
}

// SendHeartbeat sends a heartbeat ping envelope.
func (m *Manager) SendHeartbeat() error {
	return m.Send(NewEnvelope(TypeHeartbeat, heartbeatPing, nil))
}

// handleInbound decodes an inbound frame and forwards it to observers.
func (m *Manager) handleInbound(data []byte, binary bool) {
	env := DecodeEnvelope(data)

	if env.Type == TypeHeartbeat {
		// Ping/pong is a manager-internal responsibility.
		if env.isPing() {
			if err := m.Send(NewEnvelope(TypeHeartbeat, heartbeatPong, nil)); err != nil {
				m.logger.Debug("heartbeat_pong_failed", slog.String("error", err.Error()))
			}
		}
		return
	}

	select {
	case m.msgCh <- env:
	default:
		m.logger.Warn("inbound_channel_full", slog.String("type", string(env.Type)))
	}
}

// handleTransportState reacts to adapter-reported transitions. Only a drop
// of an established connection matters here; the manager drives every other
// transition itself.
func (m *Manager) handleTransportState(s transport.State) {
	if s != transport.StateError && s != transport.StateDisconnected {
		return
	}
	if !m.state.transition(StateConnected, StateError) {
		return
	}
	m.notifyState(StateError)

	m.stopHeartbeat()
	m.logger.Info("connection_lost", slog.String("id", m.id))

	if m.opts.OnConnectionLost != nil {
		go m.opts.OnConnectionLost(ErrNotConnected)
	}

	m.startReconnect()
}

// Reconnection

func (m *Manager) startReconnect() {
	if m.closed.Load() || !m.opts.AutoReconnect {
		return
	}
	m.urlMu.RLock()
	url := m.url
	m.urlMu.RUnlock()
	if url == "" {
		return
	}

	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}

	m.reconnMu.Lock()
	m.reconnStop = make(chan struct{})
	m.reconnDone = make(chan struct{})
	stop, done := m.reconnStop, m.reconnDone
	m.reconnMu.Unlock()

	go m.reconnectLoop(stop, done)
}

// cancelReconnect stops the reconnect loop and waits for it to exit, so
// callers observe a fully settled state afterwards.
func (m *Manager) cancelReconnect() {
	m.reconnMu.Lock()
	stop, done := m.reconnStop, m.reconnDone
	m.reconnStop, m.reconnDone = nil, nil
	m.reconnMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (m *Manager) reconnectLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer m.reconnecting.Store(false)

	delay := m.opts.ReconnectInterval

	for {
		if m.closed.Load() {
			return
		}
		if int(m.attempts.Load()) >= m.opts.MaxReconnectAttempts {
			m.setState(StateDisconnected)
			m.logger.Warn("reconnect_exhausted",
				slog.String("id", m.id),
				slog.Int("attempts", int(m.attempts.Load())))
			return
		}

		attempt := int(m.attempts.Add(1))

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		if m.opts.OnReconnecting != nil {
			m.opts.OnReconnecting(attempt)
		}
		m.logger.Info("reconnect_attempt",
			slog.String("id", m.id),
			slog.Int("attempt", attempt))

		m.urlMu.RLock()
		url, headers := m.url, m.headers
		m.urlMu.RUnlock()

		m.setState(StateConnecting)
		if err := m.doConnect(context.Background(), url, headers); err != nil {
			m.setState(StateDisconnected)
			m.logger.Debug("reconnect_failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			delay = m.nextDelay(delay)
			continue
		}

		m.onConnected()
		return
	}
}

func (m *Manager) nextDelay(d time.Duration) time.Duration {
	if m.opts.BackoffFactor <= 1.0 {
		return d
	}
	next := time.Duration(math.Round(float64(d) * m.opts.BackoffFactor))
	if m.opts.MaxReconnectWait > 0 && next > m.opts.MaxReconnectWait {
		next = m.opts.MaxReconnectWait
	}
	return next
}

// Heartbeat

func (m *Manager) startHeartbeat() {
	if m.opts.HeartbeatInterval <= 0 {
		return
	}

	m.hbMu.Lock()
	if m.hbStop != nil {
		m.hbMu.Unlock()
		return
	}
	m.hbStop = make(chan struct{})
	stop := m.hbStop
	m.hbMu.Unlock()

	go func() {
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.SendHeartbeat(); err != nil {
					m.logger.Debug("heartbeat_failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// setState updates the state and notifies observers.
func (m *Manager) setState(s State) {
	m.state.set(s)
	m.notifyState(s)
}

func (m *Manager) notifyState(s State) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
