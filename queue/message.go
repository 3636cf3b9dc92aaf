// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"time"
)

// Priority orders messages in the queue. Lower rank is more urgent.
type Priority int

// Message priorities.
const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a queued message.
type Status string

// Message statuses.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// FullStrategy governs behavior when the queue is at capacity.
type FullStrategy string

// Overflow strategies.
const (
	DropNew FullStrategy = "drop_new" // reject the enqueue
	DropOld FullStrategy = "drop_old" // evict the queue head, then insert
	Expand  FullStrategy = "expand"   // insert anyway, exceeding the cap
)

// Message is one outbound message held by the queue. A message lives on
// exactly one of the pending, failed, or sent-history lists at a time.
type Message struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Priority    Priority          `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	TTL         time.Duration     `json:"ttl,omitempty"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	LastRetryAt time.Time         `json:"last_retry_at,omitempty"`
}

// expired reports whether the message's TTL has elapsed.
func (m *Message) expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}
