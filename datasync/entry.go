// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import "time"

// ChangeType classifies a mutation to a key.
type ChangeType string

// Change types.
const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ConflictStrategy selects how a non-dominating remote entry is resolved.
type ConflictStrategy string

// Conflict strategies.
const (
	// UseRemote overwrites the local entry with the remote one.
	UseRemote ConflictStrategy = "use_remote"

	// UseLocal keeps the local entry and re-transmits it to the peer.
	UseLocal ConflictStrategy = "use_local"

	// Merge keeps whichever entry carries the later wall-clock timestamp.
	// This is last-writer-wins, not a payload merge, and is unreliable
	// under clock skew between clients. When the remote entry wins it is
	// stored but not echoed back: the peer already holds it, so only a
	// winning local entry is re-transmitted.
	Merge ConflictStrategy = "merge"
)

// Entry is the authoritative record for one key. Versions are issued
// per key by the writer and never decrease.
type Entry struct {
	Key        string            `json:"key"`
	Value      string            `json:"value"`
	Version    int64             `json:"version"`
	Timestamp  int64             `json:"timestamp"` // unix millis
	Metadata   map[string]string `json:"metadata,omitempty"`
	ClientID   string            `json:"clientId"`
	ChangeType ChangeType        `json:"changeType"`
}

// Change is an immutable record of a local mutation, buffered until
// flushed to the network.
type Change struct {
	Key       string
	OldValue  string
	HadOld    bool
	NewValue  string
	Deleted   bool
	Timestamp int64
	Version   int64
	ClientID  string
	Metadata  map[string]string
}

// entry converts a buffered change into its wire entry.
func (c *Change) entry() *Entry {
	ct := ChangeUpdate
	switch {
	case c.Deleted:
		ct = ChangeDelete
	case !c.HadOld:
		ct = ChangeCreate
	}
	return &Entry{
		Key:        c.Key,
		Value:      c.NewValue,
		Version:    c.Version,
		Timestamp:  c.Timestamp,
		Metadata:   c.Metadata,
		ClientID:   c.ClientID,
		ChangeType: ct,
	}
}

// EventType tags a change notification delivered to subscribers.
type EventType string

// Subscriber event types.
const (
	EventInitial          EventType = "initial"
	EventLocalUpdate      EventType = "local_update"
	EventLocalDelete      EventType = "local_delete"
	EventRemoteUpdate     EventType = "remote_update"
	EventRemoteDelete     EventType = "remote_delete"
	EventMergedUpdate     EventType = "merged_update"
	EventConflictResolved EventType = "conflict_resolved"
	EventExpired          EventType = "expired"
)

// Event is delivered to key subscribers on every visible change.
type Event struct {
	Type      EventType
	Key       string
	Value     string
	Version   int64
	Timestamp time.Time
}
