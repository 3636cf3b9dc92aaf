// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/relaykit/config"
	"github.com/relaykit/relaykit/connection"
	"github.com/relaykit/relaykit/datasync"
	"github.com/relaykit/relaykit/otel"
	"github.com/relaykit/relaykit/pool"
	"github.com/relaykit/relaykit/queue"
	"github.com/relaykit/relaykit/transport"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting relay daemon", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"url", cfg.Connection.URL,
		"pool_max_connections", cfg.Pool.MaxConnections,
		"queue_persistence", cfg.Queue.Persistence,
		"sync_strategy", cfg.Sync.ConflictStrategy,
		"log_level", cfg.Log.Level)

	if cfg.Connection.URL == "" {
		slog.Error("connection.url is required")
		os.Exit(1)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Queue store: BadgerDB when persistence is on, in-memory otherwise.
	var store queue.Store
	var badgerStore *queue.BadgerStore
	if cfg.Queue.Persistence {
		badgerStore, err = queue.OpenBadgerStore(cfg.Queue.BadgerDir)
		if err != nil {
			slog.Error("Failed to open queue store", "error", err, "dir", cfg.Queue.BadgerDir)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB queue persistence", "dir", cfg.Queue.BadgerDir)
	} else {
		store = queue.NewMemoryStore()
		slog.Info("Using in-memory queue store")
	}

	connOpts := func() *connection.Options {
		return connection.NewOptions().
			SetAutoReconnect(cfg.Connection.AutoReconnect).
			SetMaxReconnectAttempts(cfg.Connection.MaxReconnectAttempts).
			SetReconnectInterval(cfg.Connection.ReconnectInterval).
			SetHeartbeatInterval(cfg.Connection.HeartbeatInterval).
			SetConnectionTimeout(cfg.Connection.ConnectionTimeout).
			SetLogger(logger)
	}

	p := pool.New(&pool.Options{
		MaxConnections:      cfg.Pool.MaxConnections,
		AutoConnect:         cfg.Pool.AutoConnect,
		Strategy:            pool.Strategy(cfg.Pool.LoadBalanceStrategy),
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		SendRate:            cfg.Pool.SendRate,
		SendBurst:           cfg.Pool.SendBurst,
		Logger:              logger,
		Metrics:             metrics,
	}, func(id string) *connection.Manager {
		return connection.NewManager(transport.NewWebSocket(logger), connOpts())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The primary connection carries the queue and the sync engine.
	primary := connection.NewManager(transport.NewWebSocket(logger), connOpts())

	qOpts := queue.NewOptions()
	qOpts.MaxQueueSize = cfg.Queue.MaxQueueSize
	qOpts.MaxRetries = cfg.Queue.MaxRetries
	qOpts.ProcessingInterval = cfg.Queue.ProcessingInterval
	qOpts.RetryInterval = cfg.Queue.RetryInterval
	qOpts.RetryDelay = cfg.Queue.RetryDelay
	qOpts.BatchSize = cfg.Queue.BatchSize
	qOpts.FullStrategy = queue.FullStrategy(cfg.Queue.FullStrategy)
	qOpts.Store = store
	qOpts.Logger = logger
	qOpts.Metrics = metrics
	q := queue.New(primary, qOpts)
	if err := q.Start(); err != nil {
		slog.Error("Failed to start offline queue", "error", err)
		os.Exit(1)
	}

	sOpts := datasync.NewOptions()
	sOpts.SyncInterval = cfg.Sync.SyncInterval
	sOpts.ConflictStrategy = datasync.ConflictStrategy(cfg.Sync.ConflictStrategy)
	sOpts.AutoCleanup = cfg.Sync.AutoCleanup
	sOpts.CompressionThreshold = cfg.Sync.CompressionThreshold
	sOpts.ClientID = cfg.Sync.ClientID
	sOpts.Logger = logger
	engine := datasync.New(primary, sOpts)
	engine.Start()

	if err := primary.Connect(ctx, cfg.Connection.URL, cfg.Connection.Headers); err != nil {
		// Reconnection keeps trying in the background when enabled.
		slog.Warn("Initial connect failed", "error", err)
	}

	if cfg.Pool.HealthCheckInterval > 0 {
		p.StartHealthChecks()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	shutdownStart := time.Now()
	engine.Close()
	q.Close()
	if err := primary.Close(); err != nil {
		slog.Warn("Primary connection close failed", "error", err)
	}
	p.Close()
	if badgerStore != nil {
		if err := badgerStore.CloseDB(); err != nil {
			slog.Warn("Queue store close failed", "error", err)
		}
	}
	slog.Info("Shutdown complete", "elapsed", time.Since(shutdownStart))
}
