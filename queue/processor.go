// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"
)

// processLoop drains batches of fresh messages while connected.
func (q *Queue) processLoop(stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.processBatch(stop)
		}
	}
}

// retryLoop re-attempts aged retries and expires TTL-passed messages,
// outside the normal batch cadence.
func (q *Queue) retryLoop(stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.expireMessages()
			q.processRetries(stop)
		}
	}
}

// processBatch pulls up to BatchSize first-attempt messages and sends them.
// Messages already in a retry cycle belong to the retry scheduler.
func (q *Queue) processBatch(stop <-chan struct{}) {
	if !q.conn.IsConnected() {
		return
	}

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	batch := make([]*Message, 0, q.opts.BatchSize)
	for _, m := range q.pending {
		if len(batch) >= q.opts.BatchSize {
			break
		}
		if m.Status == StatusQueued && m.RetryCount == 0 {
			m.Status = StatusProcessing
			batch = append(batch, m)
		}
	}
	q.mu.Unlock()

	q.sendAll(batch, stop)
}

// processRetries re-attempts pending messages whose last retry is older
// than RetryDelay.
func (q *Queue) processRetries(stop <-chan struct{}) {
	if !q.conn.IsConnected() {
		return
	}

	now := time.Now()
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	var batch []*Message
	for _, m := range q.pending {
		if m.Status == StatusQueued && m.RetryCount > 0 && now.Sub(m.LastRetryAt) >= q.opts.RetryDelay {
			m.Status = StatusProcessing
			batch = append(batch, m)
		}
	}
	q.mu.Unlock()

	q.sendAll(batch, stop)
}

func (q *Queue) sendAll(batch []*Message, stop <-chan struct{}) {
	for _, msg := range batch {
		select {
		case <-stop:
			// Loop stopped mid-batch; remaining work stays queued.
			q.mu.Lock()
			msg.Status = StatusQueued
			q.mu.Unlock()
			continue
		default:
		}
		q.sendOne(msg)
	}
}

func (q *Queue) sendOne(msg *Message) {
	start := time.Now()
	err := q.conn.SendMessage(msg.Content)
	latency := time.Since(start)

	if err != nil {
		q.handleSendFailure(msg, err)
		return
	}

	q.mu.Lock()
	q.removePendingLocked(msg.ID)
	msg.Status = StatusSent
	q.sent = append(q.sent, msg)
	if len(q.sent) > q.opts.MaxSentHistory {
		q.sent = q.sent[len(q.sent)-q.opts.MaxSentHistory:]
	}
	q.stats.recordSend(latency, time.Since(q.startedAt))
	q.mu.Unlock()

	q.store.Delete(msg.ID)
	q.opts.Metrics.RecordSent(context.Background(), float64(latency.Microseconds())/1000.0)
}

func (q *Queue) handleSendFailure(msg *Message, err error) {
	q.mu.Lock()
	msg.RetryCount++
	msg.LastError = err.Error()
	msg.LastRetryAt = time.Now()

	if msg.RetryCount >= msg.MaxRetries {
		q.removePendingLocked(msg.ID)
		msg.Status = StatusFailed
		q.failed = append(q.failed, msg)
		q.stats.TotalFailed++
		q.mu.Unlock()

		q.store.Put(msg)
		q.opts.Metrics.RecordFailed(context.Background())
		q.logger.Warn("message_failed",
			slog.String("id", msg.ID),
			slog.Int("retries", msg.RetryCount),
			slog.String("error", err.Error()))
		return
	}

	// Still below the ceiling: back to pending, preserving priority order.
	q.removePendingLocked(msg.ID)
	msg.Status = StatusQueued
	q.insertLocked(msg)
	q.mu.Unlock()

	q.store.Put(msg)
	q.logger.Debug("message_retry_scheduled",
		slog.String("id", msg.ID),
		slog.Int("retry_count", msg.RetryCount))
}

// expireMessages removes TTL-passed messages from both the pending and
// failed lists, tagging them expired in statistics.
func (q *Queue) expireMessages() {
	now := time.Now()
	var expired []*Message

	q.mu.Lock()
	kept := q.pending[:0]
	for _, m := range q.pending {
		if m.Status != StatusProcessing && m.expired(now) {
			m.Status = StatusExpired
			expired = append(expired, m)
			continue
		}
		kept = append(kept, m)
	}
	q.pending = kept

	keptFailed := q.failed[:0]
	for _, m := range q.failed {
		if m.expired(now) {
			m.Status = StatusExpired
			expired = append(expired, m)
			continue
		}
		keptFailed = append(keptFailed, m)
	}
	q.failed = keptFailed
	q.stats.TotalExpired += int64(len(expired))
	q.mu.Unlock()

	for _, m := range expired {
		q.store.Delete(m.ID)
		q.opts.Metrics.RecordExpired(context.Background())
		q.logger.Debug("message_expired", slog.String("id", m.ID))
	}
}

// removePendingLocked removes a message from the pending list by ID.
func (q *Queue) removePendingLocked(id string) {
	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// ExpireNow runs one expiry sweep immediately. Primarily for tests and
// for hosts that want deterministic cleanup.
func (q *Queue) ExpireNow() {
	q.expireMessages()
}
