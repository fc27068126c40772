// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/periscope-remote/periscope/lib/identity"
	"github.com/periscope-remote/periscope/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("periscope", pflag.ContinueOnError)
	flags.Usage = printUsage
	relay := flags.String("relay", "", "signaling relay address (host:port)")
	stateDir := flags.String("state-dir", defaultStateDir(), "directory for identity and session keys")
	device := flags.String("device", "", "target device identifier")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	args := flags.Args()
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("a subcommand is required")
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *relay == "" {
		return fmt.Errorf("--relay is required")
	}
	if *device == "" {
		return fmt.Errorf("--device is required")
	}
	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	application := &app{
		relay:    *relay,
		stateDir: *stateDir,
		device:   *device,
		logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "pair":
		return application.pair(ctx)
	case "connect":
		return application.connect(ctx)
	case "send-file":
		return application.sendFile(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: periscope --relay HOST:PORT --device ID [flags] <subcommand>

Subcommands:
  pair         pair with the device (prompts for its displayed code)
  connect      open a remote session; JSON commands are read from stdin
  send-file    transfer a file to the device

Flags:
  --relay        signaling relay address (host:port)
  --device       target device identifier
  --state-dir    directory for identity and session keys
  -v, --verbose  enable debug logging
`)
}

func defaultStateDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".periscope"
	}
	return filepath.Join(homeDir, ".local", "share", "periscope-controller")
}

// app carries the resolved global options through the subcommands.
type app struct {
	relay    string
	stateDir string
	device   string
	logger   *slog.Logger
}

func (a *app) newLink() *transport.TCPLink {
	return &transport.TCPLink{
		Address: a.relay,
		Timeout: 10 * time.Second,
		Logger:  a.logger,
	}
}

func (a *app) loadIdentity() (*identity.Keypair, error) {
	keypair, created, err := identity.LoadOrGenerate(a.stateDir)
	if err != nil {
		return nil, fmt.Errorf("loading controller identity: %w", err)
	}
	if created {
		a.logger.Info("generated new controller identity", "state_dir", a.stateDir)
	}
	return keypair, nil
}

// sessionKeyPath is where the paired session key for a device lives.
func (a *app) sessionKeyPath() string {
	return filepath.Join(a.stateDir, "sessions", a.device+".key")
}

func (a *app) saveSessionKey(key [identity.SessionKeySize]byte) error {
	path := a.sessionKeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating sessions directory: %w", err)
	}
	encoded := hex.EncodeToString(key[:]) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("saving session key: %w", err)
	}
	return nil
}

func (a *app) loadSessionKey() ([]byte, error) {
	data, err := os.ReadFile(a.sessionKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no session key for device %q: run `periscope pair` first", a.device)
		}
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt session key file %s: %w", a.sessionKeyPath(), err)
	}
	if len(key) != identity.SessionKeySize {
		return nil, fmt.Errorf("corrupt session key file %s: %d bytes", a.sessionKeyPath(), len(key))
	}
	return key, nil
}
