// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/periscope-remote/periscope/pairing"
	"github.com/periscope-remote/periscope/transport"
)

// pair runs the controller side of the pairing flow: prompt for the
// code the device displays, submit it over the relay, and persist the
// derived session key on success.
func (a *app) pair(ctx context.Context) error {
	keypair, err := a.loadIdentity()
	if err != nil {
		return err
	}

	link := a.newLink()
	if err := link.Connect(ctx); err != nil {
		return err
	}
	defer link.Close()

	// Join the device's relay room so the pairing exchange reaches it.
	join, err := transport.EncodeSignal(transport.Join{DeviceID: a.device, Role: transport.RoleCaller})
	if err != nil {
		return err
	}
	if err := link.Send(ctx, join); err != nil {
		return fmt.Errorf("joining relay: %w", err)
	}

	code, err := promptCode()
	if err != nil {
		return err
	}

	key, devicePublic, err := pairing.RunController(ctx, link, code, keypair)
	if err != nil {
		return err
	}

	if err := a.saveSessionKey(key); err != nil {
		return err
	}

	fmt.Printf("Paired with device %s (identity %s)\n",
		a.device, hex.EncodeToString(devicePublic.Signing)[:16])
	return nil
}

// promptCode reads the pairing code without echo when stdin is a
// terminal, falling back to a plain line read for scripted use.
func promptCode() (string, error) {
	fmt.Fprint(os.Stderr, "Enter the pairing code shown on the device: ")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		entered, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading pairing code: %w", err)
		}
		return strings.TrimSpace(string(entered)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading pairing code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
