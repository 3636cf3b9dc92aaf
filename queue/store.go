// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"sync"
)

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("store closed")

// Store persists pending messages so a queue survives process restarts.
// The queue writes through on enqueue and removal and reloads the pending
// set on startup.
type Store interface {
	// Put stores or replaces a message.
	Put(msg *Message) error

	// Delete removes a message by ID. Deleting an absent ID is not an error.
	Delete(id string) error

	// LoadPending returns all stored messages.
	LoadPending() ([]*Message, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store. It offers no durability and exists
// for tests and for callers that opt out of persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (s *MemoryStore) Put(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) LoadPending() ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Message, 0, len(s.messages))
	for _, msg := range s.messages {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
