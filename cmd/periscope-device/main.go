// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/periscope-remote/periscope/lib/config"
	"github.com/periscope-remote/periscope/lib/identity"
	"github.com/periscope-remote/periscope/pairing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to periscope.yaml (overrides PERISCOPE_CONFIG)")
	deviceID := flag.String("device-id", "", "device identifier announced to the relay")
	testPattern := flag.Bool("test-pattern", false, "stream a synthetic test pattern on the video channel")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	if *deviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining device id: %w", err)
		}
		*deviceID = hostname
	}

	keypair, created, err := identity.LoadOrGenerate(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("loading device identity: %w", err)
	}
	if created {
		logger.Info("generated new device identity", "state_dir", cfg.Paths.State)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("periscope device starting",
		"device_id", *deviceID,
		"relay", cfg.Relay.Address,
	)

	// Each iteration is one pairing flow plus one remote session. When
	// a session ends (controller disconnect, transport failure) the
	// device returns to pairing with a fresh code.
	for ctx.Err() == nil {
		if err := serveOnce(ctx, cfg, keypair, *deviceID, *testPattern, logger); err != nil && ctx.Err() == nil {
			logger.Error("session ended with error", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
	}
	logger.Info("periscope device stopped")
	return nil
}

// pairingPolicy maps the config section onto the pairing package's
// policy.
func pairingPolicy(cfg *config.Config) pairing.Policy {
	return pairing.Policy{
		CodeLength:  cfg.Pairing.CodeLength,
		MaxAttempts: cfg.Pairing.MaxAttempts,
		CodeTTL:     cfg.Pairing.CodeTTL,
	}
}

// iceServers maps the config section onto pion's server list.
func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, url := range cfg.ICE.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.ICE.TURN.URL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.ICE.TURN.URL},
			Username:   cfg.ICE.TURN.Username,
			Credential: cfg.ICE.TURN.Credential,
		})
	}
	return servers
}
