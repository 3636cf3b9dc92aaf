// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides keyed token-bucket limiting for outbound
// sends. The pool uses it to keep broadcast and balanced sends from
// flooding individual connections.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter manages per-key send rate limiting. A zero rate disables
// limiting entirely.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	maxIdle  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter creates a limiter allowing r sends per second per key with
// the given burst allowance. Stale per-key state is dropped after maxIdle.
func NewSendLimiter(r float64, burst int, maxIdle time.Duration) *SendLimiter {
	if maxIdle <= 0 {
		maxIdle = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	l := &SendLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		maxIdle:  maxIdle,
		stopCh:   make(chan struct{}),
	}
	if r > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether a send for the given key may proceed now.
func (l *SendLimiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the per-key state, typically when a connection is removed.
func (l *SendLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Stop stops the cleanup goroutine.
func (l *SendLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *SendLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.maxIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *SendLimiter) dropStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.maxIdle * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}
