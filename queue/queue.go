// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the priority-ordered offline message queue:
// retry with backoff, TTL expiry, overflow policy, and persistence-ready
// storage, driven by one connection manager's state.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/connection"
)

// Queue errors.
var (
	ErrQueueFull       = errors.New("queue at maximum capacity")
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueClosed     = errors.New("queue closed")
	ErrEmptyContent    = errors.New("message content cannot be empty")
)

// Connection is the send surface and state feed the queue is driven by.
// *connection.Manager satisfies it.
type Connection interface {
	SendMessage(text string) error
	IsConnected() bool
	SubscribeStates() (<-chan connection.State, func())
}

// Queue is a priority-ordered outbound message queue.
type Queue struct {
	opts   *Options
	conn   Connection
	logger *slog.Logger
	store  Store

	// mu guards the three message lists, stats, and the paused flag.
	// Messages move between lists but are never duplicated across them.
	mu      sync.Mutex
	pending []*Message
	failed  []*Message
	sent    []*Message
	stats   Statistics
	paused  bool

	startedAt time.Time

	loopMu   sync.Mutex
	running  bool
	loopStop chan struct{}

	watchStop chan struct{}
	unwatch   func()
	wg        sync.WaitGroup
	closed    bool
}

// New creates a queue driven by the given connection.
func New(conn Connection, opts *Options) *Queue {
	if opts == nil {
		opts = NewOptions()
	}
	opts.normalize()

	return &Queue{
		opts:      opts,
		conn:      conn,
		logger:    opts.Logger,
		store:     opts.Store,
		startedAt: time.Now(),
		watchStop: make(chan struct{}),
	}
}

// Start reloads persisted messages and couples the processing loops to the
// driving connection's state.
func (q *Queue) Start() error {
	persisted, err := q.store.LoadPending()
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, msg := range persisted {
		if msg.Status == StatusQueued || msg.Status == StatusProcessing {
			msg.Status = StatusQueued
			q.insertLocked(msg)
		}
	}
	restored := len(q.pending)
	q.mu.Unlock()

	if restored > 0 {
		q.logger.Info("queue_restored", slog.Int("pending", restored))
	}

	states, unwatch := q.conn.SubscribeStates()
	q.unwatch = unwatch

	q.wg.Add(1)
	go q.watchConnection(states)

	if q.conn.IsConnected() {
		q.startLoops()
	}
	return nil
}

func (q *Queue) watchConnection(states <-chan connection.State) {
	defer q.wg.Done()
	for {
		select {
		case <-q.watchStop:
			return
		case s := <-states:
			switch s {
			case connection.StateConnected:
				q.startLoops()
			case connection.StateDisconnected, connection.StateError:
				q.stopLoops()
			}
		}
	}
}

func (q *Queue) startLoops() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if q.running || q.closed {
		return
	}
	q.running = true
	q.loopStop = make(chan struct{})
	stop := q.loopStop

	q.logger.Debug("queue_processing_started")

	q.wg.Add(2)
	go q.processLoop(stop)
	go q.retryLoop(stop)
}

func (q *Queue) stopLoops() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	close(q.loopStop)

	q.logger.Debug("queue_processing_stopped")
}

// Close stops all loops and releases the store.
func (q *Queue) Close() error {
	q.loopMu.Lock()
	if q.closed {
		q.loopMu.Unlock()
		return nil
	}
	q.closed = true
	q.loopMu.Unlock()

	q.stopLoops()
	close(q.watchStop)
	if q.unwatch != nil {
		q.unwatch()
	}
	q.wg.Wait()
	return q.store.Close()
}

// Enqueue adds one message and returns its ID. Behavior at capacity is
// governed by the configured overflow strategy.
func (q *Queue) Enqueue(content string, priority Priority, metadata map[string]string, ttl time.Duration) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}
	q.loopMu.Lock()
	closed := q.closed
	q.loopMu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Content:    content,
		Priority:   priority,
		Metadata:   metadata,
		Timestamp:  time.Now(),
		TTL:        ttl,
		Status:     StatusQueued,
		MaxRetries: q.opts.MaxRetries,
	}

	// Eviction and insertion happen under one lock so concurrent
	// enqueuers never observe pending above the cap; the store and
	// metrics calls for the evicted message follow after.
	var evicted *Message
	q.mu.Lock()
	if len(q.pending) >= q.opts.MaxQueueSize {
		switch q.opts.FullStrategy {
		case DropNew:
			q.mu.Unlock()
			return "", ErrQueueFull
		case DropOld:
			evicted = q.pending[0]
			q.pending = q.pending[1:]
			q.stats.TotalDropped++
		case Expand:
			// Insert anyway, temporarily exceeding the nominal cap.
		}
	}
	q.insertLocked(msg)
	q.stats.TotalEnqueued++
	q.mu.Unlock()

	if evicted != nil {
		q.store.Delete(evicted.ID)
		q.opts.Metrics.RecordDropped(context.Background())
		q.logger.Debug("queue_evicted_head", slog.String("id", evicted.ID))
	}

	if err := q.store.Put(msg); err != nil {
		q.logger.Warn("store_put_failed",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()))
	}
	q.opts.Metrics.RecordEnqueued(context.Background(), priority.String())

	return msg.ID, nil
}

// EnqueueBatch enqueues several messages at the same priority, returning
// the IDs assigned so far and the first error encountered.
func (q *Queue) EnqueueBatch(contents []string, priority Priority) ([]string, error) {
	ids := make([]string, 0, len(contents))
	for _, content := range contents {
		id, err := q.Enqueue(content, priority, nil, 0)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// insertLocked places a message at the first position whose priority rank
// is numerically greater than the new message's rank, preserving strict
// priority order with FIFO within a tier.
func (q *Queue) insertLocked(msg *Message) {
	idx := len(q.pending)
	for i, m := range q.pending {
		if m.Priority > msg.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = msg
}

// RemoveMessage removes a message from the pending or failed lists.
func (q *Queue) RemoveMessage(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.store.Delete(id)
			return nil
		}
	}
	for i, m := range q.failed {
		if m.ID == id {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			q.store.Delete(id)
			return nil
		}
	}
	return ErrMessageNotFound
}

// ClearQueue drops all pending and failed messages. Sent history and
// statistics are retained.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.pending {
		q.store.Delete(m.ID)
	}
	for _, m := range q.failed {
		q.store.Delete(m.ID)
	}
	q.pending = nil
	q.failed = nil
}

// RequeueFailedMessages moves every failed message back to the pending
// queue with a fresh retry budget. Returns the number requeued.
func (q *Queue) RequeueFailedMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := len(q.failed)
	for _, m := range q.failed {
		m.Status = StatusQueued
		m.RetryCount = 0
		m.LastError = ""
		m.LastRetryAt = time.Time{}
		q.insertLocked(m)
		q.store.Put(m)
	}
	q.failed = nil
	return count
}

// PauseProcessing suspends batch processing; messages keep accumulating.
func (q *Queue) PauseProcessing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// ResumeProcessing resumes batch processing.
func (q *Queue) ResumeProcessing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Status returns a snapshot of the queue's lists.
func (q *Queue) Status() QueueStatus {
	q.loopMu.Lock()
	running := q.running
	q.loopMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		Pending:     len(q.pending),
		Failed:      len(q.failed),
		SentHistory: len(q.sent),
		Capacity:    q.opts.MaxQueueSize,
		Paused:      q.paused,
		Processing:  running,
	}
}

// Statistics returns a copy of the running statistics.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// PendingIDs returns the pending message IDs in processing order.
func (q *Queue) PendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.pending))
	for i, m := range q.pending {
		ids[i] = m.ID
	}
	return ids
}
