// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/transport"
)

func testOptions() *Options {
	return NewOptions().
		SetAutoReconnect(false).
		SetHeartbeatInterval(0).
		SetConnectionTimeout(time.Second)
}

func TestManagerConnect(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.Equal(t, 1, fake.Connects())
}

func TestManagerConnectEmptyURL(t *testing.T) {
	m := NewManager(transport.NewFake(), testOptions())
	defer m.Close()

	assert.ErrorIs(t, m.Connect(context.Background(), "", nil), ErrEmptyURL)
}

func TestManagerConnectAlreadyConnected(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	assert.ErrorIs(t, m.Connect(context.Background(), "ws://example.com/relay", nil), ErrAlreadyConnected)
	assert.Equal(t, 1, fake.Connects())
}

func TestManagerConnectFailure(t *testing.T) {
	fake := transport.NewFake()
	fake.ConnectErr = transport.ErrClosed
	m := NewManager(fake, testOptions())
	defer m.Close()

	err := m.Connect(context.Background(), "ws://example.com/relay", nil)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsReconnecting())
}

func TestManagerDisconnect(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, fake.Connected())

	// Disconnecting an already-disconnected manager is a no-op.
	assert.NoError(t, m.Disconnect())
}

func TestManagerSendNotConnected(t *testing.T) {
	m := NewManager(transport.NewFake(), testOptions())
	defer m.Close()

	assert.ErrorIs(t, m.SendMessage("hello"), ErrNotConnected)
	assert.ErrorIs(t, m.SendBinaryMessage([]byte{0x01}), ErrNotConnected)
}

func TestManagerSendMessage(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	require.NoError(t, m.SendMessage("hello"))
	require.NoError(t, m.SendBinaryMessage([]byte{0x01, 0x02}))

	assert.Equal(t, []string{"hello"}, fake.SentText())
	require.Len(t, fake.SentBinary(), 1)
	assert.Equal(t, []byte{0x01, 0x02}, fake.SentBinary()[0])
}

func TestManagerSendEnvelope(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	require.NoError(t, m.Send(NewEnvelope(TypeDataUpdate, "payload", nil)))

	sent := fake.SentText()
	require.Len(t, sent, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &env))
	assert.Equal(t, TypeDataUpdate, env.Type)
	assert.Equal(t, "payload", env.Data)
}

func TestManagerInboundForwarding(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))

	frame, err := NewEnvelope(TypeText, "incoming", nil).Encode()
	require.NoError(t, err)
	fake.InjectMessage(frame)

	select {
	case env := <-m.Messages():
		assert.Equal(t, TypeText, env.Type)
		assert.Equal(t, "incoming", env.Data)
	case <-time.After(time.Second):
		t.Fatal("inbound envelope not forwarded")
	}
}

func TestManagerInboundMalformed(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	fake.InjectMessage([]byte("raw non-json frame"))

	select {
	case env := <-m.Messages():
		assert.Equal(t, TypeText, env.Type)
		assert.Equal(t, "raw non-json frame", env.Data)
	case <-time.After(time.Second):
		t.Fatal("malformed frame not forwarded as TEXT")
	}
}

func TestManagerHeartbeatPingReply(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))

	frame, err := NewEnvelope(TypeHeartbeat, "ping", nil).Encode()
	require.NoError(t, err)
	fake.InjectMessage(frame)

	sent := fake.SentText()
	require.Len(t, sent, 1, "ping should be answered with exactly one frame")

	var pong Envelope
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &pong))
	assert.Equal(t, TypeHeartbeat, pong.Type)
	assert.Equal(t, "pong", pong.Data)

	// Heartbeats never reach the message stream.
	select {
	case env := <-m.Messages():
		t.Fatalf("heartbeat leaked to message stream: %+v", env)
	default:
	}
}

func TestManagerHeartbeatLoop(t *testing.T) {
	fake := transport.NewFake()
	opts := testOptions().SetHeartbeatInterval(20 * time.Millisecond)
	m := NewManager(fake, opts)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))

	require.Eventually(t, func() bool {
		return len(fake.SentText()) >= 2
	}, time.Second, 5*time.Millisecond, "periodic heartbeats not sent")

	var ping Envelope
	require.NoError(t, json.Unmarshal([]byte(fake.SentText()[0]), &ping))
	assert.Equal(t, TypeHeartbeat, ping.Type)
	assert.Equal(t, "ping", ping.Data)
}

func TestManagerConnectionLostReconnects(t *testing.T) {
	fake := transport.NewFake()
	lost := make(chan error, 1)
	opts := testOptions().
		SetAutoReconnect(true).
		SetReconnectInterval(10 * time.Millisecond).
		SetOnConnectionLost(func(err error) { lost <- err })
	m := NewManager(fake, opts)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	fake.InjectStateChange(transport.StateError)

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("OnConnectionLost not invoked")
	}

	require.Eventually(t, func() bool {
		return m.IsConnected() && fake.Connects() == 2
	}, time.Second, 5*time.Millisecond, "connection not re-established")
	assert.Equal(t, 0, m.ReconnectAttempts(), "attempt counter resets on success")
}

func TestManagerReconnectExhausted(t *testing.T) {
	fake := transport.NewFake()
	fake.ConnectErr = transport.ErrClosed

	attempts := make(chan int, 8)
	opts := testOptions().
		SetAutoReconnect(true).
		SetMaxReconnectAttempts(2).
		SetReconnectInterval(10 * time.Millisecond).
		SetOnReconnecting(func(n int) { attempts <- n })
	m := NewManager(fake, opts)
	defer m.Close()

	err := m.Connect(context.Background(), "ws://example.com/relay", nil)
	require.ErrorIs(t, err, ErrConnectFailed)

	require.Eventually(t, func() bool {
		return !m.IsReconnecting()
	}, time.Second, 5*time.Millisecond, "reconnect sequence did not terminate")

	// One initial attempt plus exactly MaxReconnectAttempts retries.
	assert.Equal(t, 3, fake.Connects())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)
}

func TestManagerDisconnectCancelsReconnect(t *testing.T) {
	fake := transport.NewFake()
	fake.ConnectErr = transport.ErrClosed
	opts := testOptions().
		SetAutoReconnect(true).
		SetMaxReconnectAttempts(100).
		SetReconnectInterval(time.Hour)
	m := NewManager(fake, opts)
	defer m.Close()

	require.Error(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	require.True(t, m.IsReconnecting())

	require.NoError(t, m.Disconnect())
	require.Eventually(t, func() bool {
		return !m.IsReconnecting()
	}, time.Second, 5*time.Millisecond, "reconnect sequence not cancelled")
	assert.Equal(t, 1, fake.Connects())
}

func TestManagerClose(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	require.NoError(t, m.Close())

	assert.True(t, fake.Cleaned())
	assert.ErrorIs(t, m.Connect(context.Background(), "ws://example.com/relay", nil), ErrManagerClosed)

	// Close is idempotent.
	assert.NoError(t, m.Close())
}

func TestManagerSubscribeStates(t *testing.T) {
	fake := transport.NewFake()
	m := NewManager(fake, testOptions())
	defer m.Close()

	states, cancel := m.SubscribeStates()
	defer cancel()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))

	want := []State{StateConnecting, StateConnected}
	for _, expect := range want {
		select {
		case s := <-states:
			assert.Equal(t, expect, s)
		case <-time.After(time.Second):
			t.Fatalf("missing state notification %v", expect)
		}
	}
}

func TestManagerOnConnectCallback(t *testing.T) {
	fake := transport.NewFake()
	connected := make(chan struct{}, 1)
	opts := testOptions().SetOnConnect(func() { connected <- struct{}{} })
	m := NewManager(fake, opts)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect not invoked")
	}
}

func TestManagerConnectDuringReconnect(t *testing.T) {
	fake := transport.NewFake()
	fake.ConnectErr = transport.ErrClosed

	opts := testOptions().
		SetAutoReconnect(true).
		SetMaxReconnectAttempts(5).
		SetReconnectInterval(250 * time.Millisecond)
	m := NewManager(fake, opts)
	defer m.Close()

	err := m.Connect(context.Background(), "ws://example.com/relay", nil)
	require.ErrorIs(t, err, ErrConnectFailed)
	require.True(t, m.IsReconnecting())

	// A manual connect while the reconnect loop is waiting must terminate
	// the chain and leave the manager owning the connected state.
	fake.ConnectErr = nil
	require.NoError(t, m.Connect(context.Background(), "ws://example.com/relay", nil))
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsReconnecting())
	assert.Equal(t, 2, fake.Connects())

	// The old chain must not wake later and clobber the live connection.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, fake.Connects())
}
