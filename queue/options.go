// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"log/slog"
	"time"

	"github.com/relaykit/relaykit/otel"
)

// Default values.
const (
	DefaultMaxQueueSize       = 1000
	DefaultMaxRetries         = 3
	DefaultProcessingInterval = 1 * time.Second
	DefaultRetryInterval      = 30 * time.Second
	DefaultRetryDelay         = 5 * time.Second
	DefaultBatchSize          = 10
	DefaultMaxSentHistory     = 100
)

// Options configures an offline queue.
type Options struct {
	MaxQueueSize       int           // Nominal pending capacity (default 1000)
	MaxRetries         int           // Per-message retry ceiling (default 3)
	ProcessingInterval time.Duration // Batch cadence while connected (default 1s)
	RetryInterval      time.Duration // Retry scheduler cadence (default 30s)
	RetryDelay         time.Duration // Minimum age of a failed attempt before re-attempt (default 5s)
	BatchSize          int           // Messages pulled per processing tick (default 10)
	FullStrategy       FullStrategy  // Overflow policy (default DropOld)
	MaxSentHistory     int           // Bounded sent-history length (default 100)

	Store   Store         // nil means in-memory only
	Logger  *slog.Logger  // nil means slog.Default()
	Metrics *otel.Metrics // nil disables instrument recording
}

// NewOptions creates Options with the documented defaults.
func NewOptions() *Options {
	return &Options{
		MaxQueueSize:       DefaultMaxQueueSize,
		MaxRetries:         DefaultMaxRetries,
		ProcessingInterval: DefaultProcessingInterval,
		RetryInterval:      DefaultRetryInterval,
		RetryDelay:         DefaultRetryDelay,
		BatchSize:          DefaultBatchSize,
		FullStrategy:       DropOld,
		MaxSentHistory:     DefaultMaxSentHistory,
	}
}

func (o *Options) normalize() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ProcessingInterval <= 0 {
		o.ProcessingInterval = DefaultProcessingInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	switch o.FullStrategy {
	case DropNew, DropOld, Expand:
	default:
		o.FullStrategy = DropOld
	}
	if o.MaxSentHistory <= 0 {
		o.MaxSentHistory = DefaultMaxSentHistory
	}
	if o.Store == nil {
		o.Store = NewMemoryStore()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
