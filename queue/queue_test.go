// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/connection"
)

// fakeConn is an in-memory Connection for queue tests.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []string
	subs      []chan connection.State
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{connected: connected}
}

func (c *fakeConn) SendMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connection.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) SubscribeStates() (<-chan connection.State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan connection.State, 16)
	c.subs = append(c.subs, ch)
	return ch, func() {}
}

// setConnected flips the link and notifies subscribers like a manager would.
func (c *fakeConn) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	subs := append([]chan connection.State(nil), c.subs...)
	c.mu.Unlock()

	s := connection.StateDisconnected
	if connected {
		s = connection.StateConnected
	}
	for _, ch := range subs {
		ch <- s
	}
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func fastOptions() *Options {
	opts := NewOptions()
	opts.ProcessingInterval = 5 * time.Millisecond
	opts.RetryInterval = 10 * time.Millisecond
	opts.RetryDelay = time.Millisecond
	return opts
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	low, err := q.Enqueue("low", PriorityLow, nil, 0)
	require.NoError(t, err)
	high1, err := q.Enqueue("high-1", PriorityHigh, nil, 0)
	require.NoError(t, err)
	normal, err := q.Enqueue("normal", PriorityNormal, nil, 0)
	require.NoError(t, err)
	high2, err := q.Enqueue("high-2", PriorityHigh, nil, 0)
	require.NoError(t, err)

	// Strict priority order, FIFO within a tier.
	assert.Equal(t, []string{high1, high2, normal, low}, q.PendingIDs())
}

func TestEnqueueEmptyContent(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	_, err := q.Enqueue("", PriorityNormal, nil, 0)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestEnqueueDropNew(t *testing.T) {
	opts := NewOptions()
	opts.MaxQueueSize = 2
	opts.FullStrategy = DropNew
	q := New(newFakeConn(false), opts)

	_, err := q.Enqueue("a", PriorityNormal, nil, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("b", PriorityNormal, nil, 0)
	require.NoError(t, err)

	_, err = q.Enqueue("c", PriorityNormal, nil, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Status().Pending)
}

func TestEnqueueDropOld(t *testing.T) {
	opts := NewOptions()
	opts.MaxQueueSize = 2
	opts.FullStrategy = DropOld
	q := New(newFakeConn(false), opts)

	_, err := q.Enqueue("a", PriorityNormal, nil, 0)
	require.NoError(t, err)
	b, err := q.Enqueue("b", PriorityNormal, nil, 0)
	require.NoError(t, err)

	// At capacity the oldest head is evicted to make room.
	c, err := q.Enqueue("c", PriorityNormal, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{b, c}, q.PendingIDs())
	assert.Equal(t, int64(1), q.Statistics().TotalDropped)
}

func TestEnqueueDropOldConcurrent(t *testing.T) {
	opts := NewOptions()
	opts.MaxQueueSize = 4
	opts.FullStrategy = DropOld
	q := New(newFakeConn(false), opts)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := q.Enqueue(fmt.Sprintf("msg-%d-%d", w, i), PriorityNormal, nil, 0)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// Eviction and insertion share one critical section, so the cap
	// holds exactly under contention.
	assert.Len(t, q.PendingIDs(), opts.MaxQueueSize)
	stats := q.Statistics()
	assert.Equal(t, int64(workers*perWorker), stats.TotalEnqueued)
	assert.Equal(t, int64(workers*perWorker-opts.MaxQueueSize), stats.TotalDropped)
}

func TestEnqueueExpand(t *testing.T) {
	opts := NewOptions()
	opts.MaxQueueSize = 2
	opts.FullStrategy = Expand
	q := New(newFakeConn(false), opts)

	for _, content := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(content, PriorityNormal, nil, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.Status().Pending)
	assert.Equal(t, int64(0), q.Statistics().TotalDropped)
}

func TestEnqueueBatch(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	ids, err := q.EnqueueBatch([]string{"a", "b", "c"}, PriorityNormal)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, ids, q.PendingIDs())
}

func TestRemoveMessage(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	id, err := q.Enqueue("a", PriorityNormal, nil, 0)
	require.NoError(t, err)

	require.NoError(t, q.RemoveMessage(id))
	assert.Equal(t, 0, q.Status().Pending)

	// Removing the same ID again reports not found.
	assert.ErrorIs(t, q.RemoveMessage(id), ErrMessageNotFound)
}

func TestClearQueue(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	_, err := q.Enqueue("a", PriorityNormal, nil, 0)
	require.NoError(t, err)
	_, err = q.Enqueue("b", PriorityLow, nil, 0)
	require.NoError(t, err)

	q.ClearQueue()
	status := q.Status()
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 0, status.Failed)
	assert.Equal(t, int64(2), q.Statistics().TotalEnqueued, "statistics survive a clear")
}

func TestProcessingSendsWhileConnected(t *testing.T) {
	conn := newFakeConn(true)
	q := New(conn, fastOptions())
	require.NoError(t, q.Start())
	defer q.Close()

	_, err := q.Enqueue("payload", PriorityNormal, nil, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.sentCount() == 1
	}, time.Second, 5*time.Millisecond, "message not sent")

	assert.Equal(t, []string{"payload"}, conn.sentMessages())
	require.Eventually(t, func() bool {
		st := q.Status()
		return st.Pending == 0 && st.SentHistory == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), q.Statistics().TotalSent)
}

func TestProcessingWaitsForConnection(t *testing.T) {
	conn := newFakeConn(false)
	q := New(conn, fastOptions())
	require.NoError(t, q.Start())
	defer q.Close()

	_, err := q.Enqueue("deferred", PriorityNormal, nil, 0)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, conn.sentCount(), "nothing sent while disconnected")
	assert.Equal(t, 1, q.Status().Pending)

	conn.setConnected(true)
	require.Eventually(t, func() bool {
		return conn.sentCount() == 1
	}, time.Second, 5*time.Millisecond, "queued message not flushed after connect")
}

func TestRetryExhaustionMovesToFailed(t *testing.T) {
	conn := newFakeConn(true)
	conn.setSendErr(errors.New("boom"))

	opts := fastOptions()
	opts.MaxRetries = 2
	q := New(conn, opts)
	require.NoError(t, q.Start())
	defer q.Close()

	_, err := q.Enqueue("doomed", PriorityNormal, nil, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Status().Failed == 1
	}, 2*time.Second, 5*time.Millisecond, "message not moved to failed")

	assert.Equal(t, 0, q.Status().Pending)
	assert.Equal(t, int64(1), q.Statistics().TotalFailed)
}

func TestRequeueFailedMessages(t *testing.T) {
	conn := newFakeConn(true)
	conn.setSendErr(errors.New("boom"))

	opts := fastOptions()
	opts.MaxRetries = 1
	q := New(conn, opts)
	require.NoError(t, q.Start())
	defer q.Close()

	_, err := q.Enqueue("second chance", PriorityNormal, nil, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Status().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.setSendErr(nil)
	assert.Equal(t, 1, q.RequeueFailedMessages())

	require.Eventually(t, func() bool {
		return conn.sentCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "requeued message not delivered")
	assert.Equal(t, 0, q.Status().Failed)
}

func TestTTLExpiry(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())

	_, err := q.Enqueue("short lived", PriorityNormal, nil, time.Millisecond)
	require.NoError(t, err)
	keep, err := q.Enqueue("durable", PriorityNormal, nil, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	q.ExpireNow()

	assert.Equal(t, []string{keep}, q.PendingIDs())
	assert.Equal(t, int64(1), q.Statistics().TotalExpired)
}

func TestPauseResume(t *testing.T) {
	conn := newFakeConn(true)
	q := New(conn, fastOptions())
	require.NoError(t, q.Start())
	defer q.Close()

	q.PauseProcessing()
	_, err := q.Enqueue("held", PriorityNormal, nil, 0)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, conn.sentCount(), "paused queue must not send")
	assert.True(t, q.Status().Paused)

	q.ResumeProcessing()
	require.Eventually(t, func() bool {
		return conn.sentCount() == 1
	}, time.Second, 5*time.Millisecond, "message not sent after resume")
}

func TestStartRestoresPersistedMessages(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(&Message{
		ID:        "persisted-1",
		Content:   "from disk",
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		Status:    StatusQueued,
	}))
	// A message caught mid-processing at crash time is re-queued.
	require.NoError(t, store.Put(&Message{
		ID:        "persisted-2",
		Content:   "was in flight",
		Priority:  PriorityHigh,
		Timestamp: time.Now(),
		Status:    StatusProcessing,
	}))
	require.NoError(t, store.Put(&Message{
		ID:        "persisted-3",
		Content:   "already delivered",
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		Status:    StatusSent,
	}))

	opts := NewOptions()
	opts.Store = store
	q := New(newFakeConn(false), opts)
	require.NoError(t, q.Start())
	defer q.Close()

	assert.Equal(t, 2, q.Status().Pending)
	assert.Equal(t, []string{"persisted-2", "persisted-1"}, q.PendingIDs())
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := New(newFakeConn(false), NewOptions())
	require.NoError(t, q.Start())
	require.NoError(t, q.Close())

	_, err := q.Enqueue("late", PriorityNormal, nil, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestPriorityString(t *testing.T) {
	tests := []struct {
		priority Priority
		want     string
	}{
		{PriorityHigh, "high"},
		{PriorityNormal, "normal"},
		{PriorityLow, "low"},
		{Priority(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.priority.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %s, want %s", tt.priority, got, tt.want)
		}
	}
}
