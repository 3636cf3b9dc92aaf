// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"log/slog"
	"time"
)

// Default values.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 3 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultMessageChanSize      = 256
	DefaultBackoffFactor        = 1.0
)

// Options configures a connection manager.
type Options struct {
	// Reconnection
	AutoReconnect        bool          // Enable automatic reconnection
	MaxReconnectAttempts int           // Attempt ceiling before giving up
	ReconnectInterval    time.Duration // Delay before each reconnect attempt
	BackoffFactor        float64       // Multiplier applied to the delay per failed attempt (1.0 = fixed)
	MaxReconnectWait     time.Duration // Delay cap when BackoffFactor > 1 (0 = uncapped)

	// Heartbeat
	HeartbeatInterval time.Duration // Ping cadence while connected (0 to disable)

	// Connection
	ConnectionTimeout time.Duration // Timeout for a single connect attempt

	// Callbacks
	OnConnect        func()            // Called on every successful connection
	OnConnectionLost func(err error)   // Called when an established connection drops
	OnReconnecting   func(attempt int) // Called before each reconnect attempt

	// Advanced
	MessageChanSize int          // Inbound envelope channel capacity
	Logger          *slog.Logger // nil means slog.Default()
}

// NewOptions creates Options with the documented defaults.
func NewOptions() *Options {
	return &Options{
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectInterval:    DefaultReconnectInterval,
		BackoffFactor:        DefaultBackoffFactor,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ConnectionTimeout:    DefaultConnectionTimeout,
		MessageChanSize:      DefaultMessageChanSize,
	}
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetMaxReconnectAttempts sets the reconnection attempt ceiling.
func (o *Options) SetMaxReconnectAttempts(n int) *Options {
	o.MaxReconnectAttempts = n
	return o
}

// SetReconnectInterval sets the delay before each reconnect attempt.
func (o *Options) SetReconnectInterval(d time.Duration) *Options {
	o.ReconnectInterval = d
	return o
}

// SetHeartbeatInterval sets the heartbeat cadence. Zero disables heartbeats.
func (o *Options) SetHeartbeatInterval(d time.Duration) *Options {
	o.HeartbeatInterval = d
	return o
}

// SetConnectionTimeout sets the per-attempt connection timeout.
func (o *Options) SetConnectionTimeout(d time.Duration) *Options {
	o.ConnectionTimeout = d
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// normalize fills zero values with defaults.
func (o *Options) normalize() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.BackoffFactor < 1.0 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.MessageChanSize <= 0 {
		o.MessageChanSize = DefaultMessageChanSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
