// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/calimero-network/core/config"
	"github.com/calimero-network/core/executor"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/log"
	"github.com/calimero-network/core/metrics"
	"github.com/calimero-network/core/node"
	"github.com/calimero-network/core/overlay"
	"github.com/calimero-network/core/store"
)

// rootCmd mirrors the teacher's cmd/consensus layout: one cobra root
// with a small set of subcommands rather than flag-only parsing.
var rootCmd = &cobra.Command{
	Use:   "calimerod",
	Short: "Calimero node daemon",
	Long:  "calimerod runs a peer-to-peer CRDT context-sync node: one process serving every context this node is a member of.",
}

func main() {
	rootCmd.AddCommand(runCmd(), keygenCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "calimerod: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./calimerod.toml", "path to a TOML config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	return cmd
}

func keygenCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate this node's Ed25519 identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadOrCreateKey(dataDir)
			return err
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory to write identity.key into")
	return cmd
}

func runNode(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	priv, err := loadOrCreateKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading identity key: %w", err)
	}

	db, err := store.OpenBolt(filepath.Join(cfg.DataDir, "calimero.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	transport, err := overlay.NewLibP2PTransport(ctx, cfg.ListenAddr, priv, nil)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer transport.Close()

	// No WASM engine is wired into this build; executor.MemRuntime stands
	// in as the application host, same as the test/simulation path.
	runtime := executor.NewMemRuntime()

	n, err := node.New(cfg, logger, db, transport, runtime, priv)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	defer n.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	n.SetMetrics(m)

	srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
	defer srv.Close()

	logger.Info("calimerod started", "self", ids.ID(n.Self()).String(), "listen_addr", cfg.ListenAddr, "metrics_addr", metricsAddr)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("calimerod shutting down")
	return nil
}

// loadOrCreateKey reads dataDir/identity.key, generating and persisting a
// fresh Ed25519 key on first run. The file holds the raw 64-byte seed+key
// exactly as crypto/ed25519 produces it — no separate wrapping format,
// since this is a single-node local secret, not a wire format.
func loadOrCreateKey(dataDir string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "identity.key")

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity key at %s has the wrong size", path)
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
