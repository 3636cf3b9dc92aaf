// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package datasync implements the versioned key-value replication layer:
// per-key monotonic versions, conflict detection and resolution, change
// subscription fan-out, and periodic flush over a connection manager.
package datasync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relaykit/connection"
)

// Engine errors.
var (
	ErrEngineClosed = errors.New("sync engine closed")
	ErrKeyNotFound  = errors.New("key not found")
	ErrEmptyKey     = errors.New("key cannot be empty")
)

// Metadata key carrying a per-entry TTL in milliseconds.
const metadataTTL = "ttl"

// Connection is the transport surface the engine replicates over.
// *connection.Manager satisfies it.
type Connection interface {
	Send(env *connection.Envelope) error
	IsConnected() bool
	Messages() <-chan *connection.Envelope
}

// Engine is the realtime data sync engine.
type Engine struct {
	opts   *Options
	conn   Connection
	logger *slog.Logger

	// mu guards the store, version counters, pending buffer, and
	// subscriber registry.
	mu       sync.Mutex
	store    map[string]*Entry
	versions map[string]int64 // survives deletes so versions never decrease
	pending  []*Change
	subs     map[string]map[int]*Subscription
	nextSub  int

	clientCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a sync engine over the given connection.
func New(conn Connection, opts *Options) *Engine {
	if opts == nil {
		opts = NewOptions()
	}
	opts.normalize()

	return &Engine{
		opts:     opts,
		conn:     conn,
		logger:   opts.Logger,
		store:    make(map[string]*Entry),
		versions: make(map[string]int64),
		subs:     make(map[string]map[int]*Subscription),
		stopCh:   make(chan struct{}),
	}
}

// ClientID returns the engine's writer identity.
func (e *Engine) ClientID() string {
	return e.opts.ClientID
}

// Start launches the inbound dispatcher and the periodic sync loop.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.inboundLoop()
	go e.syncLoop()
}

// Close stops the engine's tasks and closes all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var all []*Subscription
	for _, byID := range e.subs {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	for _, s := range all {
		s.Close()
	}
}

// SetData writes a value, allocates the key's next version, and replicates
// the entry. Subscribers are notified synchronously.
func (e *Engine) SetData(key, value string, metadata map[string]string) error {
	if key == "" {
		return ErrEmptyKey
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}

	old, had := e.store[key]
	version := e.versions[key] + 1
	e.versions[key] = version

	ct := ChangeCreate
	if had {
		ct = ChangeUpdate
	}
	now := time.Now().UnixMilli()
	entry := &Entry{
		Key:        key,
		Value:      value,
		Version:    version,
		Timestamp:  now,
		Metadata:   metadata,
		ClientID:   e.opts.ClientID,
		ChangeType: ct,
	}
	e.store[key] = entry

	change := &Change{
		Key:       key,
		NewValue:  value,
		HadOld:    had,
		Timestamp: now,
		Version:   version,
		ClientID:  e.opts.ClientID,
		Metadata:  metadata,
	}
	if had {
		change.OldValue = old.Value
	}
	e.mu.Unlock()

	e.transmitOrBuffer(change, entry)
	e.notifyKey(key, Event{
		Type:      EventLocalUpdate,
		Key:       key,
		Value:     value,
		Version:   version,
		Timestamp: time.UnixMilli(now),
	})
	return nil
}

// DeleteData removes a key, allocating a delete version and replicating it.
func (e *Engine) DeleteData(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	old, had := e.store[key]
	if !had {
		e.mu.Unlock()
		return ErrKeyNotFound
	}

	version := e.versions[key] + 1
	e.versions[key] = version
	delete(e.store, key)

	now := time.Now().UnixMilli()
	entry := &Entry{
		Key:        key,
		Version:    version,
		Timestamp:  now,
		ClientID:   e.opts.ClientID,
		ChangeType: ChangeDelete,
	}
	change := &Change{
		Key:       key,
		OldValue:  old.Value,
		HadOld:    true,
		Deleted:   true,
		Timestamp: now,
		Version:   version,
		ClientID:  e.opts.ClientID,
	}
	e.mu.Unlock()

	e.transmitOrBuffer(change, entry)
	e.notifyKey(key, Event{
		Type:      EventLocalDelete,
		Key:       key,
		Version:   version,
		Timestamp: time.UnixMilli(now),
	})
	return nil
}

// GetData returns the current value for a key.
func (e *Engine) GetData(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.store[key]
	if !ok {
		return "", false
	}
	return entry.Value, true
}

// GetBatchData returns the current values for the given keys. Absent keys
// are omitted from the result.
func (e *Engine) GetBatchData(keys []string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if entry, ok := e.store[key]; ok {
			out[key] = entry.Value
		}
	}
	return out
}

// Version returns the current version counter for a key.
func (e *Engine) Version(key string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions[key]
}

// ClientCount returns the last peer-reported client count.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientCount
}

// SubscribeToKey returns a stream that emits the key's current value
// immediately, then every subsequent update.
func (e *Engine) SubscribeToKey(key string) *Subscription {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++

	sub := &Subscription{key: key, ch: make(chan Event, subscriptionBuffer)}
	sub.cancel = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if byID, ok := e.subs[key]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(e.subs, key)
			}
		}
	}

	if e.subs[key] == nil {
		e.subs[key] = make(map[int]*Subscription)
	}
	e.subs[key][id] = sub
	current, ok := e.store[key]
	e.mu.Unlock()

	if ok {
		sub.deliver(Event{
			Type:      EventInitial,
			Key:       key,
			Value:     current.Value,
			Version:   current.Version,
			Timestamp: time.UnixMilli(current.Timestamp),
		})
	}
	return sub
}

// ForceSync flushes the pending buffer, retransmits the entire local
// store, and requests the peer's version map.
func (e *Engine) ForceSync() error {
	if !e.conn.IsConnected() {
		return connection.ErrNotConnected
	}

	e.flushPending()

	e.mu.Lock()
	entries := make([]*Entry, 0, len(e.store))
	for _, entry := range e.store {
		entries = append(entries, entry)
	}
	versions := make(map[string]int64, len(e.versions))
	for k, v := range e.versions {
		versions[k] = v
	}
	e.mu.Unlock()

	if err := e.sendEntries(connection.TypeSyncResponse, entries); err != nil {
		return err
	}

	reqData, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	return e.conn.Send(connection.NewEnvelope(connection.TypeSyncRequest, string(reqData), nil))
}

// transmitOrBuffer sends the entry immediately when connected; otherwise
// the change waits in the buffer for the periodic sync loop.
func (e *Engine) transmitOrBuffer(change *Change, entry *Entry) {
	if e.conn.IsConnected() {
		if err := e.sendEntry(entry); err == nil {
			return
		}
	}
	e.mu.Lock()
	e.pending = append(e.pending, change)
	e.mu.Unlock()
}

func (e *Engine) sendEntry(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	payload, metadata := encodePayload(data, e.opts.CompressionThreshold)
	return e.conn.Send(connection.NewEnvelope(connection.TypeDataUpdate, payload, metadata))
}

func (e *Engine) sendEntries(t connection.MessageType, entries []*Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	payload, metadata := encodePayload(data, e.opts.CompressionThreshold)
	return e.conn.Send(connection.NewEnvelope(t, payload, metadata))
}

// notifyKey fans an event out to the key's subscribers.
func (e *Engine) notifyKey(key string, ev Event) {
	e.mu.Lock()
	byID := e.subs[key]
	targets := make([]*Subscription, 0, len(byID))
	for _, s := range byID {
		targets = append(targets, s)
	}
	e.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}
