// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the node's typed configuration: listen address,
// data directory, bootstrap peers, sync timeouts, pending-buffer TTL,
// heartbeat interval, and executor fuel budget.
//
// Grounded on the teacher's config.Parameters idiom (a flat typed struct
// and a Valid method returning sentinel errors). This package keeps a
// single Default constructor and has no named profile constructors;
// what's new is loading it from TOML via pelletier/go-toml/v2 instead of
// only constructing it in code, since a node process needs a config file.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrInvalidListenAddr   = errors.New("config: listen address must not be empty")
	ErrInvalidDataDir      = errors.New("config: data dir must not be empty")
	ErrSyncTimeoutTooLow   = errors.New("config: sync timeout must be >= 1s")
	ErrHeartbeatTooLow     = errors.New("config: heartbeat interval must be >= 100ms")
	ErrPendingTTLTooLow    = errors.New("config: pending ttl must be >= heartbeat interval")
	ErrFuelBudgetNonPositive = errors.New("config: executor fuel budget must be > 0")
)

// Config is the root node configuration.
type Config struct {
	ListenAddr     string        `toml:"listen_addr"`
	DataDir        string        `toml:"data_dir"`
	BootstrapPeers []string      `toml:"bootstrap_peers"`
	LogLevel       string        `toml:"log_level"`

	SyncTimeout       time.Duration `toml:"sync_timeout"`
	PendingTTL        time.Duration `toml:"pending_ttl"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	CleanupInterval   time.Duration `toml:"cleanup_interval"`

	ExecutorFuelBudget uint64        `toml:"executor_fuel_budget"`
	ExecutorTimeBudget time.Duration `toml:"executor_time_budget"`

	MaxConcurrentSyncsPerContext int `toml:"max_concurrent_syncs_per_context"`
	GossipMaxFanout              int `toml:"gossip_max_fanout"`
}

// Default returns the configuration a freshly initialized node uses
// absent an explicit config file.
func Default() Config {
	return Config{
		ListenAddr:        "/ip4/0.0.0.0/tcp/2428",
		DataDir:           "./data",
		LogLevel:          "info",
		SyncTimeout:        30 * time.Second,
		PendingTTL:         10 * time.Minute,
		HeartbeatInterval:  5 * time.Second,
		CleanupInterval:    time.Minute,
		ExecutorFuelBudget: 10_000_000,
		ExecutorTimeBudget: 5 * time.Second,
		MaxConcurrentSyncsPerContext: 1,
		GossipMaxFanout:              8,
	}
}

// Load reads and parses a TOML config file at path, filling any field the
// file omits with Default()'s value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Valid(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Valid reports whether cfg is internally consistent.
func (c Config) Valid() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if c.DataDir == "" {
		return ErrInvalidDataDir
	}
	if c.SyncTimeout < time.Second {
		return ErrSyncTimeoutTooLow
	}
	if c.HeartbeatInterval < 100*time.Millisecond {
		return ErrHeartbeatTooLow
	}
	if c.PendingTTL < c.HeartbeatInterval {
		return ErrPendingTTLTooLow
	}
	if c.ExecutorFuelBudget == 0 {
		return ErrFuelBudgetNonPositive
	}
	return nil
}
