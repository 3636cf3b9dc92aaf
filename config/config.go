// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the relay daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/relaykit/pool"
	"github.com/relaykit/relaykit/queue"
)

// Config holds the complete relay daemon configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Connection ConnectionConfig `yaml:"connection"`
	Pool       PoolConfig       `yaml:"pool"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ConnectionConfig holds per-connection defaults.
type ConnectionConfig struct {
	URL                  string            `yaml:"url"`
	Headers              map[string]string `yaml:"headers"`
	AutoReconnect        bool              `yaml:"auto_reconnect"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration     `yaml:"reconnect_interval"`
	HeartbeatInterval    time.Duration     `yaml:"heartbeat_interval"`
	ConnectionTimeout    time.Duration     `yaml:"connection_timeout"`
	BackoffFactor        float64           `yaml:"backoff_factor"`
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	MaxConnections      int           `yaml:"max_connections"`
	AutoConnect         bool          `yaml:"auto_connect"`
	LoadBalanceStrategy string        `yaml:"load_balance_strategy"` // round_robin, random, first_available
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	SendRate            float64       `yaml:"send_rate"`  // messages per second per member, 0 = unlimited
	SendBurst           int           `yaml:"send_burst"` // token bucket burst size
}

// QueueConfig holds offline queue configuration.
type QueueConfig struct {
	MaxQueueSize       int           `yaml:"max_queue_size"`
	MaxRetries         int           `yaml:"max_retries"`
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	BatchSize          int           `yaml:"batch_size"`
	FullStrategy       string        `yaml:"full_strategy"` // drop_new, drop_old, expand
	Persistence        bool          `yaml:"persistence"`
	BadgerDir          string        `yaml:"badger_dir"`
}

// SyncConfig holds data sync engine configuration.
type SyncConfig struct {
	SyncInterval         time.Duration `yaml:"sync_interval"`
	ConflictStrategy     string        `yaml:"conflict_strategy"` // use_remote, use_local, merge
	AutoCleanup          bool          `yaml:"auto_cleanup"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	ClientID             string        `yaml:"client_id"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Connection: ConnectionConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectInterval:    3 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ConnectionTimeout:    10 * time.Second,
			BackoffFactor:        1.0,
		},
		Pool: PoolConfig{
			MaxConnections:      10,
			AutoConnect:         true,
			LoadBalanceStrategy: string(pool.RoundRobin),
			HealthCheckInterval: 60 * time.Second,
		},
		Queue: QueueConfig{
			MaxQueueSize:       1000,
			MaxRetries:         3,
			ProcessingInterval: 1 * time.Second,
			RetryInterval:      30 * time.Second,
			RetryDelay:         5 * time.Second,
			BatchSize:          10,
			FullStrategy:       string(queue.DropOld),
			Persistence:        false,
			BadgerDir:          "/tmp/relaykit/queue",
		},
		Sync: SyncConfig{
			SyncInterval:         5 * time.Second,
			ConflictStrategy:     "use_remote",
			AutoCleanup:          true,
			CompressionThreshold: 1024,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevel := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevel[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts cannot be negative")
	}
	if c.Connection.BackoffFactor < 1.0 {
		return fmt.Errorf("connection.backoff_factor must be >= 1.0")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if !pool.Strategy(c.Pool.LoadBalanceStrategy).Valid() {
		return fmt.Errorf("pool.load_balance_strategy must be one of: round_robin, random, first_available")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	switch queue.FullStrategy(c.Queue.FullStrategy) {
	case queue.DropNew, queue.DropOld, queue.Expand:
	default:
		return fmt.Errorf("queue.full_strategy must be one of: drop_new, drop_old, expand")
	}
	if c.Queue.Persistence && c.Queue.BadgerDir == "" {
		return fmt.Errorf("queue.badger_dir required when persistence is enabled")
	}
	switch c.Sync.ConflictStrategy {
	case "use_remote", "use_local", "merge":
	default:
		return fmt.Errorf("sync.conflict_strategy must be one of: use_remote, use_local, merge")
	}
	if c.Sync.CompressionThreshold < 0 {
		return fmt.Errorf("sync.compression_threshold cannot be negative")
	}
	return nil
}
