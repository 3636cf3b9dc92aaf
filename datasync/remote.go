// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/relaykit/relaykit/connection"
)

// inboundLoop dispatches envelopes arriving over the connection.
// Malformed sync payloads are logged and ignored, never downgraded.
func (e *Engine) inboundLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case env, ok := <-e.conn.Messages():
			if !ok {
				return
			}
			e.dispatch(env)
		}
	}
}

func (e *Engine) dispatch(env *connection.Envelope) {
	switch env.Type {
	case connection.TypeDataUpdate, connection.TypeConflict:
		entry, err := e.decodeEntry(env)
		if err != nil {
			e.logger.Warn("sync_payload_malformed",
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()))
			return
		}
		e.applyRemote(entry)

	case connection.TypeBatchUpdate, connection.TypeSyncResponse:
		raw, err := decodePayload(env.Data, env.Metadata)
		if err != nil {
			e.logger.Warn("sync_payload_malformed",
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()))
			return
		}
		var entries []*Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			e.logger.Warn("sync_payload_malformed",
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()))
			return
		}
		for _, entry := range entries {
			e.applyRemote(entry)
		}

	case connection.TypeSyncRequest:
		e.respondFullStore()

	case connection.TypeClientCount:
		count, err := strconv.Atoi(env.Data)
		if err != nil {
			e.logger.Warn("client_count_malformed", slog.String("data", env.Data))
			return
		}
		e.mu.Lock()
		e.clientCount = count
		e.mu.Unlock()

	case connection.TypeError:
		e.logger.Warn("peer_error", slog.String("data", env.Data))
	}
}

func (e *Engine) decodeEntry(env *connection.Envelope) (*Entry, error) {
	raw, err := decodePayload(env.Data, env.Metadata)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// applyRemote merges one remote entry into the local store. A strictly
// newer version applies directly; anything else is a conflict resolved
// per the configured strategy.
func (e *Engine) applyRemote(remote *Entry) {
	if remote == nil || remote.Key == "" {
		return
	}

	e.mu.Lock()
	local, exists := e.store[remote.Key]

	if !exists || remote.Version > local.Version {
		e.applyRemoteLocked(remote)
		e.mu.Unlock()
		e.notifyRemote(remote)
		return
	}
	e.mu.Unlock()

	e.resolveConflict(local, remote)
}

// applyRemoteLocked stores or removes the entry; version counters only
// ever move forward.
func (e *Engine) applyRemoteLocked(remote *Entry) {
	if remote.Version > e.versions[remote.Key] {
		e.versions[remote.Key] = remote.Version
	}
	if remote.ChangeType == ChangeDelete {
		delete(e.store, remote.Key)
		return
	}
	e.store[remote.Key] = remote
}

func (e *Engine) notifyRemote(remote *Entry) {
	t := EventRemoteUpdate
	if remote.ChangeType == ChangeDelete {
		t = EventRemoteDelete
	}
	e.notifyKey(remote.Key, Event{
		Type:      t,
		Key:       remote.Key,
		Value:     remote.Value,
		Version:   remote.Version,
		Timestamp: time.UnixMilli(remote.Timestamp),
	})
}

// resolveConflict handles a non-dominating remote entry. Resolution always
// produces a deterministic outcome and is never surfaced as a failure.
func (e *Engine) resolveConflict(local, remote *Entry) {
	e.logger.Debug("sync_conflict_detected",
		slog.String("key", remote.Key),
		slog.Int64("local_version", local.Version),
		slog.Int64("remote_version", remote.Version))

	switch e.opts.ConflictStrategy {
	case UseRemote:
		e.mu.Lock()
		e.applyRemoteLocked(remote)
		e.mu.Unlock()
		e.notifyRemote(remote)

	case UseLocal:
		// Keep local; make the peer converge on our entry.
		if err := e.sendEntry(local); err != nil {
			e.logger.Debug("conflict_retransmit_failed",
				slog.String("key", local.Key),
				slog.String("error", err.Error()))
		}

	case Merge:
		// Later wall-clock timestamp wins. Unreliable under clock skew;
		// kept as last-writer-wins by design of the protocol.
		if remote.Timestamp > local.Timestamp {
			e.mu.Lock()
			e.applyRemoteLocked(remote)
			e.mu.Unlock()
			e.notifyKey(remote.Key, Event{
				Type:      EventMergedUpdate,
				Key:       remote.Key,
				Value:     remote.Value,
				Version:   remote.Version,
				Timestamp: time.UnixMilli(remote.Timestamp),
			})
		} else {
			if err := e.sendEntry(local); err != nil {
				e.logger.Debug("conflict_retransmit_failed",
					slog.String("key", local.Key),
					slog.String("error", err.Error()))
			}
		}
	}

	winner := e.currentOrLocal(remote.Key, local)
	e.notifyKey(remote.Key, Event{
		Type:      EventConflictResolved,
		Key:       remote.Key,
		Value:     winner.Value,
		Version:   winner.Version,
		Timestamp: time.UnixMilli(winner.Timestamp),
	})
}

func (e *Engine) currentOrLocal(key string, fallback *Entry) *Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.store[key]; ok {
		return entry
	}
	return fallback
}

// respondFullStore answers a peer's SYNC_REQUEST with the entire store.
func (e *Engine) respondFullStore() {
	e.mu.Lock()
	entries := make([]*Entry, 0, len(e.store))
	for _, entry := range e.store {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	if err := e.sendEntries(connection.TypeSyncResponse, entries); err != nil {
		e.logger.Debug("sync_response_failed", slog.String("error", err.Error()))
	}
}

// syncLoop periodically flushes the pending change buffer and, with
// AutoCleanup, expires TTL-passed entries.
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.conn.IsConnected() {
				e.flushPending()
			}
			if e.opts.AutoCleanup {
				e.expireEntries()
			}
		}
	}
}

// flushPending sends the buffered changes as one batch message.
func (e *Engine) flushPending() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	changes := e.pending
	e.pending = nil
	e.mu.Unlock()

	entries := make([]*Entry, len(changes))
	for i, c := range changes {
		entries[i] = c.entry()
	}

	if err := e.sendEntries(connection.TypeBatchUpdate, entries); err != nil {
		// Flush failed; the changes go back to the buffer front.
		e.mu.Lock()
		e.pending = append(changes, e.pending...)
		e.mu.Unlock()
		e.logger.Debug("batch_flush_failed", slog.String("error", err.Error()))
	}
}

// expireEntries removes entries whose metadata TTL has elapsed since
// their timestamp.
func (e *Engine) expireEntries() {
	now := time.Now().UnixMilli()
	var expired []*Entry

	e.mu.Lock()
	for key, entry := range e.store {
		ttlStr, ok := entry.Metadata[metadataTTL]
		if !ok {
			continue
		}
		ttlMs, err := strconv.ParseInt(ttlStr, 10, 64)
		if err != nil || ttlMs <= 0 {
			continue
		}
		if now > entry.Timestamp+ttlMs {
			delete(e.store, key)
			expired = append(expired, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range expired {
		e.notifyKey(entry.Key, Event{
			Type:      EventExpired,
			Key:       entry.Key,
			Value:     entry.Value,
			Version:   entry.Version,
			Timestamp: time.UnixMilli(entry.Timestamp),
		})
		e.logger.Debug("entry_expired", slog.String("key", entry.Key))
	}
}

// ExpireNow runs one cleanup sweep immediately.
func (e *Engine) ExpireNow() {
	e.expireEntries()
}
