// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package datasync

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Default values.
const (
	DefaultSyncInterval         = 5 * time.Second
	DefaultCompressionThreshold = 1024
)

// Options configures a sync engine.
type Options struct {
	SyncInterval         time.Duration    // Pending-change flush cadence (default 5s)
	ConflictStrategy     ConflictStrategy // Resolution for non-dominating remotes (default UseRemote)
	AutoCleanup          bool             // Expire entries whose metadata TTL elapsed (default true)
	CompressionThreshold int              // Bytes; batch payloads at or above are s2-compressed (0 disables)
	ClientID             string           // Writer identity; defaults to a fresh UUID
	Logger               *slog.Logger     // nil means slog.Default()
}

// NewOptions creates Options with the documented defaults.
func NewOptions() *Options {
	return &Options{
		SyncInterval:         DefaultSyncInterval,
		ConflictStrategy:     UseRemote,
		AutoCleanup:          true,
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

func (o *Options) normalize() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	switch o.ConflictStrategy {
	case UseRemote, UseLocal, Merge:
	default:
		o.ConflictStrategy = UseRemote
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
