// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package pairing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/lib/identity"
	"github.com/periscope-remote/periscope/pairing"
	"github.com/periscope-remote/periscope/transport"
)

func generateKeypair(t *testing.T) *identity.Keypair {
	t.Helper()
	keypair, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return keypair
}

type deviceResult struct {
	key [identity.SessionKeySize]byte
	err error
}

func TestExchangeEndToEnd(t *testing.T) {
	deviceKeys := generateKeypair(t)
	controllerKeys := generateKeypair(t)

	session := pairing.NewSession(deviceKeys, pairing.DefaultPolicy(), clock.Real())
	code, err := session.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	deviceLink, controllerLink := transport.NewMemoryLinkPair()
	defer deviceLink.Close()
	defer controllerLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deviceDone := make(chan deviceResult, 1)
	go func() {
		key, err := pairing.RunDevice(ctx, deviceLink, session)
		deviceDone <- deviceResult{key, err}
	}()

	controllerKey, devicePublic, err := pairing.RunController(ctx, controllerLink, code, controllerKeys)
	if err != nil {
		t.Fatalf("RunController: %v", err)
	}

	device := <-deviceDone
	if device.err != nil {
		t.Fatalf("RunDevice: %v", device.err)
	}

	// Both sides independently derived the identical 32-byte key.
	if controllerKey != device.key {
		t.Error("controller and device session keys differ")
	}
	if controllerKey == ([identity.SessionKeySize]byte{}) {
		t.Error("session key is zero")
	}
	if session.State() != pairing.Paired {
		t.Errorf("device state = %v, want Paired", session.State())
	}
	if !devicePublic.Valid() {
		t.Error("controller received invalid device identity")
	}
}

func TestExchangeWrongCodeThenRight(t *testing.T) {
	deviceKeys := generateKeypair(t)
	controllerKeys := generateKeypair(t)

	session := pairing.NewSession(deviceKeys, pairing.DefaultPolicy(), clock.Real())
	code, err := session.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	deviceLink, controllerLink := transport.NewMemoryLinkPair()
	defer deviceLink.Close()
	defer controllerLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deviceDone := make(chan deviceResult, 1)
	go func() {
		key, err := pairing.RunDevice(ctx, deviceLink, session)
		deviceDone <- deviceResult{key, err}
	}()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, _, err := pairing.RunController(ctx, controllerLink, wrong, controllerKeys); err == nil {
		t.Fatal("wrong code accepted")
	}

	controllerKey, _, err := pairing.RunController(ctx, controllerLink, code, controllerKeys)
	if err != nil {
		t.Fatalf("RunController with correct code: %v", err)
	}

	device := <-deviceDone
	if device.err != nil {
		t.Fatalf("RunDevice: %v", device.err)
	}
	if controllerKey != device.key {
		t.Error("session keys differ after retry")
	}
}

func TestExchangeLockout(t *testing.T) {
	deviceKeys := generateKeypair(t)
	controllerKeys := generateKeypair(t)

	session := pairing.NewSession(deviceKeys, pairing.DefaultPolicy(), clock.Real())
	code, err := session.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	deviceLink, controllerLink := transport.NewMemoryLinkPair()
	defer deviceLink.Close()
	defer controllerLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deviceDone := make(chan deviceResult, 1)
	go func() {
		_, err := pairing.RunDevice(ctx, deviceLink, session)
		deviceDone <- deviceResult{err: err}
	}()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for attempt := 0; attempt < 3; attempt++ {
		if _, _, err := pairing.RunController(ctx, controllerLink, wrong, controllerKeys); err == nil {
			t.Fatalf("attempt %d: wrong code accepted", attempt)
		}
	}

	device := <-deviceDone
	if !errors.Is(device.err, pairing.ErrLockedOut) {
		t.Errorf("device err = %v, want ErrLockedOut", device.err)
	}
	if session.State() != pairing.LockedOut {
		t.Errorf("state = %v, want LockedOut", session.State())
	}
}
