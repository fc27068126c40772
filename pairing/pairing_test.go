// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"errors"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/lib/identity"
)

func newTestSession(t *testing.T, policy Policy) (*Session, *clock.FakeClock) {
	t.Helper()
	keypair, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	fake := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewSession(keypair, policy, fake), fake
}

func TestGenerateCodeFormat(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())

	code, err := session.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code length = %d, want 6", len(code))
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code %q contains non-digit %q", code, c)
		}
	}
	if session.State() != AwaitingCode {
		t.Errorf("state = %s, want awaiting-code", session.State())
	}
}

func TestCorrectCodeAdvances(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	code, _ := session.GenerateCode()

	if err := session.SubmitCode(code); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if session.State() != ExchangingKeys {
		t.Errorf("state = %s, want exchanging-keys", session.State())
	}
}

func TestWrongCodeCounting(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	code, _ := session.GenerateCode()
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Two wrong attempts: still awaiting, counter at 2.
	for i := 0; i < 2; i++ {
		if err := session.SubmitCode(wrong); !errors.Is(err, ErrWrongCode) {
			t.Fatalf("attempt %d err = %v, want ErrWrongCode", i+1, err)
		}
	}
	if session.State() != AwaitingCode {
		t.Errorf("state after 2 failures = %s, want awaiting-code", session.State())
	}
	if session.FailedAttempts() != 2 {
		t.Errorf("failedAttempts = %d, want 2", session.FailedAttempts())
	}

	// Third wrong attempt locks out.
	if err := session.SubmitCode(wrong); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("third attempt err = %v, want ErrLockedOut", err)
	}
	if session.State() != LockedOut {
		t.Errorf("state = %s, want locked-out", session.State())
	}

	// Lockout is terminal until Reset.
	if err := session.SubmitCode(wrong); !errors.Is(err, ErrLockedOut) {
		t.Errorf("post-lockout submit err = %v, want ErrLockedOut", err)
	}
	if _, err := session.GenerateCode(); !errors.Is(err, ErrLockedOut) {
		t.Errorf("post-lockout generate err = %v, want ErrLockedOut", err)
	}

	session.Reset()
	if session.State() != Idle {
		t.Errorf("state after Reset = %s, want idle", session.State())
	}
	if _, err := session.GenerateCode(); err != nil {
		t.Errorf("GenerateCode after Reset: %v", err)
	}
}

func TestCorrectCodeOnThirdAttempt(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	code, _ := session.GenerateCode()
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	session.SubmitCode(wrong)
	session.SubmitCode(wrong)

	// Lockout triggers only on failures: a correct code on the third
	// attempt proceeds.
	if err := session.SubmitCode(code); err != nil {
		t.Fatalf("correct code on attempt 3: %v", err)
	}
	if session.State() != ExchangingKeys {
		t.Errorf("state = %s, want exchanging-keys", session.State())
	}
}

func TestNewCodeResetsAttempts(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	code, _ := session.GenerateCode()
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	session.SubmitCode(wrong)
	session.SubmitCode(wrong)

	if _, err := session.GenerateCode(); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if session.FailedAttempts() != 0 {
		t.Errorf("failedAttempts after regeneration = %d, want 0", session.FailedAttempts())
	}
}

func TestCodeExpiry(t *testing.T) {
	policy := DefaultPolicy()
	policy.CodeTTL = 100 * time.Millisecond
	session, fake := newTestSession(t, policy)
	code, _ := session.GenerateCode()

	fake.Advance(50 * time.Millisecond)
	if !session.IsCodeValid() {
		t.Error("code invalid at t=50ms with 100ms TTL")
	}

	fake.Advance(100 * time.Millisecond)
	if session.IsCodeValid() {
		t.Error("code still valid at t=150ms with 100ms TTL")
	}

	// Even the correct code is rejected once expired; the flow aborts.
	if err := session.SubmitCode(code); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expired submit err = %v, want ErrCodeExpired", err)
	}
	if session.State() != Idle {
		t.Errorf("state after expiry = %s, want idle", session.State())
	}
}

func TestCompleteKeyExchange(t *testing.T) {
	deviceKeys, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	controllerKeys, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	device := NewSession(deviceKeys, DefaultPolicy(), fake)
	controller := NewSession(controllerKeys, DefaultPolicy(), fake)

	// Device shows a code; controller enters it. Both sides mirror the
	// code acceptance, then exchange public identities.
	code, err := device.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := device.SubmitCode(code); err != nil {
		t.Fatalf("device SubmitCode: %v", err)
	}
	if _, err := controller.GenerateCode(); err != nil {
		t.Fatalf("controller GenerateCode: %v", err)
	}
	// The controller's session tracks the same entered code.
	controller.state = ExchangingKeys

	if err := device.CompleteKeyExchange(controllerKeys.Public); err != nil {
		t.Fatalf("device CompleteKeyExchange: %v", err)
	}
	if err := controller.CompleteKeyExchange(deviceKeys.Public); err != nil {
		t.Fatalf("controller CompleteKeyExchange: %v", err)
	}

	if device.State() != Paired || controller.State() != Paired {
		t.Fatalf("states = %s / %s, want paired / paired", device.State(), controller.State())
	}

	deviceKey, ok := device.SessionKey()
	if !ok {
		t.Fatal("device holds no session key after pairing")
	}
	controllerKey, ok := controller.SessionKey()
	if !ok {
		t.Fatal("controller holds no session key after pairing")
	}
	if deviceKey != controllerKey {
		t.Errorf("session keys differ:\n  device:     %x\n  controller: %x", deviceKey, controllerKey)
	}
	if len(deviceKey) != 32 {
		t.Errorf("session key length = %d, want 32", len(deviceKey))
	}
}

func TestCompleteKeyExchangeRequiresState(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	peer, _ := identity.Generate()

	if err := session.CompleteKeyExchange(peer.Public); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestCompleteKeyExchangeRejectsBadPeer(t *testing.T) {
	session, _ := newTestSession(t, DefaultPolicy())
	code, _ := session.GenerateCode()
	if err := session.SubmitCode(code); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}

	if err := session.CompleteKeyExchange(identity.PublicIdentity{}); !errors.Is(err, ErrBadPeer) {
		t.Errorf("err = %v, want ErrBadPeer", err)
	}
}
