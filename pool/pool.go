// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool manages a named set of connection managers with capacity
// control, load-balanced and broadcast sends, and aggregate health checks.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaykit/relaykit/connection"
	"github.com/relaykit/relaykit/otel"
	"github.com/relaykit/relaykit/ratelimit"
)

// Pool errors.
var (
	ErrPoolFull           = errors.New("pool at maximum capacity")
	ErrDuplicateID        = errors.New("connection id already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNoConnectedMembers = errors.New("no connected members available")
	ErrRateLimited        = errors.New("send rate limited")
	ErrPoolClosed         = errors.New("pool closed")
)

// Breaker tuning for member sends.
const (
	breakerFailureThreshold = 5
	breakerResetTimeout     = 10 * time.Second
)

// ManagerFactory builds the connection manager for a new pool member.
// It is the pool's dependency-injection seam: tests supply managers
// backed by fake adapters.
type ManagerFactory func(id string) *connection.Manager

// Options configures a pool.
type Options struct {
	MaxConnections      int           // Capacity ceiling (default 10)
	AutoConnect         bool          // Connect new members immediately (default true)
	Strategy            Strategy      // Balanced-send selection (default RoundRobin)
	HealthCheckInterval time.Duration // Periodic health check cadence (default 60s, 0 disables)
	SendRate            float64       // Per-member sends/sec for broadcast/balanced (0 = unlimited)
	SendBurst           int           // Burst allowance for SendRate
	Logger              *slog.Logger  // nil means slog.Default()
	Metrics             *otel.Metrics // nil disables membership metrics
}

// NewOptions creates Options with the documented defaults.
func NewOptions() *Options {
	return &Options{
		MaxConnections:      10,
		AutoConnect:         true,
		Strategy:            RoundRobin,
		HealthCheckInterval: 60 * time.Second,
	}
}

type member struct {
	id        string
	url       string
	headers   map[string]string
	priority  int
	seq       int // insertion sequence
	manager   *connection.Manager
	breaker   *gobreaker.CircuitBreaker
	lastState connection.State
	unwatch   func()
	stopWatch chan struct{}
}

// Pool owns a set of connection managers.
type Pool struct {
	opts    *Options
	factory ManagerFactory
	logger  *slog.Logger
	limiter *ratelimit.SendLimiter

	// members and its companions are guarded by mu; add/remove/health-check
	// all take it so concurrent membership mutation cannot race.
	mu      sync.Mutex
	members map[string]*member
	nextSeq int
	rrIdx   int
	closed  bool

	hcStop chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool. The factory is invoked once per added connection.
func New(opts *Options, factory ManagerFactory) *Pool {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if !opts.Strategy.Valid() {
		opts.Strategy = RoundRobin
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Pool{
		opts:    opts,
		factory: factory,
		logger:  opts.Logger,
		limiter: ratelimit.NewSendLimiter(opts.SendRate, opts.SendBurst, time.Minute),
		members: make(map[string]*member),
	}
}

// AddConnection adds a member. It fails when the id already exists or the
// pool is at capacity. With AutoConnect the member is connected in the
// background.
func (p *Pool) AddConnection(ctx context.Context, id, url string, headers map[string]string, priority int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.members[id]; ok {
		p.mu.Unlock()
		return ErrDuplicateID
	}
	if len(p.members) >= p.opts.MaxConnections {
		p.mu.Unlock()
		return ErrPoolFull
	}

	mgr := p.factory(id)
	m := &member{
		id:        id,
		url:       url,
		headers:   headers,
		priority:  priority,
		seq:       p.nextSeq,
		manager:   mgr,
		lastState: mgr.State(),
		stopWatch: make(chan struct{}),
	}
	p.nextSeq++

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("member_breaker_state_changed",
				slog.String("connection", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	states, unwatch := mgr.SubscribeStates()
	m.unwatch = unwatch
	p.members[id] = m
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchMember(m, states)

	p.opts.Metrics.RecordConnectionAdded(ctx)
	p.logger.Info("connection_added",
		slog.String("id", id),
		slog.String("url", url),
		slog.Int("priority", priority))

	if p.opts.AutoConnect {
		go func() {
			if err := mgr.Connect(ctx, url, headers); err != nil {
				p.logger.Warn("auto_connect_failed",
					slog.String("id", id),
					slog.String("error", err.Error()))
			}
		}()
	}

	return nil
}

// watchMember tracks last-known state for the membership mapping;
// State aggregates from it instead of re-polling every manager.
func (p *Pool) watchMember(m *member, states <-chan connection.State) {
	defer p.wg.Done()
	for {
		select {
		case <-m.stopWatch:
			return
		case s := <-states:
			p.mu.Lock()
			m.lastState = s
			p.mu.Unlock()
			p.logger.Debug("member_state_changed",
				slog.String("id", m.id),
				slog.String("state", s.String()))
		}
	}
}

// RemoveConnection disconnects and removes a member.
func (p *Pool) RemoveConnection(id string) error {
	p.mu.Lock()
	m, ok := p.members[id]
	if !ok {
		p.mu.Unlock()
		return ErrConnectionNotFound
	}
	delete(p.members, id)
	p.mu.Unlock()

	m.unwatch()
	close(m.stopWatch)
	p.limiter.Forget(id)
	if err := m.manager.Close(); err != nil {
		p.logger.Warn("member_close_failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}

	p.opts.Metrics.RecordConnectionRemoved(context.Background())
	p.logger.Info("connection_removed", slog.String("id", id))
	return nil
}

// Connect connects one member.
func (p *Pool) Connect(ctx context.Context, id string) error {
	m, err := p.get(id)
	if err != nil {
		return err
	}
	return m.manager.Connect(ctx, m.url, m.headers)
}

// ConnectAll connects every member, returning per-member errors.
func (p *Pool) ConnectAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, m := range p.snapshot() {
		if m.manager.IsConnected() {
			continue
		}
		results[m.id] = m.manager.Connect(ctx, m.url, m.headers)
	}
	return results
}

// Disconnect disconnects one member.
func (p *Pool) Disconnect(id string) error {
	m, err := p.get(id)
	if err != nil {
		return err
	}
	return m.manager.Disconnect()
}

// DisconnectAll disconnects every member.
func (p *Pool) DisconnectAll() {
	for _, m := range p.snapshot() {
		if err := m.manager.Disconnect(); err != nil {
			p.logger.Warn("disconnect_failed",
				slog.String("id", m.id),
				slog.String("error", err.Error()))
		}
	}
}

// SendMessage sends a text frame over one named member.
func (p *Pool) SendMessage(id, text string) error {
	m, err := p.get(id)
	if err != nil {
		return err
	}
	return m.manager.SendMessage(text)
}

// Broadcast sends the text to every connected member and reports
// per-connection results.
func (p *Pool) Broadcast(text string) map[string]error {
	results := make(map[string]error)
	for _, m := range p.snapshot() {
		if !m.manager.IsConnected() {
			results[m.id] = connection.ErrNotConnected
			continue
		}
		if !p.limiter.Allow(m.id) {
			results[m.id] = ErrRateLimited
			continue
		}
		results[m.id] = p.sendThroughBreaker(m, text)
	}
	return results
}

// SendMessageBalanced sends the text to one connected member selected by
// the configured strategy. Members with an open breaker are skipped.
func (p *Pool) SendMessageBalanced(text string) error {
	m := p.selectMember()
	if m == nil {
		return ErrNoConnectedMembers
	}
	if !p.limiter.Allow(m.id) {
		return ErrRateLimited
	}
	return p.sendThroughBreaker(m, text)
}

func (p *Pool) sendThroughBreaker(m *member, text string) error {
	_, err := m.breaker.Execute(func() (any, error) {
		return nil, m.manager.SendMessage(text)
	})
	return err
}

// selectMember picks a connected member per the strategy. The round-robin
// cursor advances on every balanced send.
func (p *Pool) selectMember() *member {
	p.mu.Lock()
	defer p.mu.Unlock()

	connected := p.connectedLocked()
	if len(connected) == 0 {
		return nil
	}

	switch p.opts.Strategy {
	case Random:
		return connected[rand.Intn(len(connected))]
	case FirstAvailable:
		return connected[0]
	default: // RoundRobin
		m := connected[p.rrIdx%len(connected)]
		p.rrIdx++
		return m
	}
}

// connectedLocked returns connected members whose breaker admits requests,
// ordered by priority (highest first), then insertion order.
func (p *Pool) connectedLocked() []*member {
	out := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		if !m.manager.IsConnected() {
			continue
		}
		if m.breaker.State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// State returns the aggregate pool state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.members)
	if total == 0 {
		return PoolIdle
	}

	connected, errored := 0, 0
	for _, m := range p.members {
		switch m.lastState {
		case connection.StateConnected:
			connected++
		case connection.StateError:
			errored++
		}
	}

	switch {
	case connected == total:
		return PoolFullyConnected
	case connected > 0:
		return PoolPartiallyConnected
	case errored > 0:
		return PoolError
	default:
		return PoolDisconnected
	}
}

// Size returns the current member count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Close removes all members and stops background tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	hcStop := p.hcStop
	p.hcStop = nil
	p.mu.Unlock()

	if hcStop != nil {
		close(hcStop)
	}
	for _, id := range ids {
		p.RemoveConnection(id)
	}
	p.limiter.Stop()
	p.wg.Wait()
}

func (p *Pool) get(id string) (*member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return m, nil
}

// snapshot returns members in insertion order without holding the lock
// during sends.
func (p *Pool) snapshot() []*member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
