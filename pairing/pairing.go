// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing implements the human-verifiable pairing flow that
// bootstraps a controller/device trust relationship. The device shows
// a short numeric code; the controller submits it; a correct code
// within its validity window unlocks the key exchange, and the
// exchange of public identities yields the shared session key.
//
// The state machine is single-owner: callers serialize access. Three
// consecutive wrong codes lock the session out until an explicit
// Reset — a new flow, not a retry.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/lib/identity"
)

// State is the pairing session's lifecycle position.
type State int

const (
	// Idle is the initial state; no code has been generated.
	Idle State = iota

	// AwaitingCode means a code is live and attempts are accepted.
	AwaitingCode

	// ExchangingKeys means the code was accepted and the session is
	// waiting for the peer's public identity.
	ExchangingKeys

	// Paired is the success terminal state; a session key is held.
	Paired

	// LockedOut is reached after too many wrong codes. Terminal until
	// an explicit Reset.
	LockedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCode:
		return "awaiting-code"
	case ExchangingKeys:
		return "exchanging-keys"
	case Paired:
		return "paired"
	case LockedOut:
		return "locked-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy configures code format and attempt limits.
type Policy struct {
	// CodeLength is the number of digits in a pairing code.
	CodeLength int

	// MaxAttempts is the number of consecutive wrong codes that
	// triggers lockout.
	MaxAttempts int

	// CodeTTL is how long a generated code stays valid.
	CodeTTL time.Duration
}

// DefaultPolicy matches the product defaults: 6 digits, 3 attempts,
// 2-minute validity.
func DefaultPolicy() Policy {
	return Policy{
		CodeLength:  6,
		MaxAttempts: 3,
		CodeTTL:     2 * time.Minute,
	}
}

// Pairing fault sentinels.
var (
	ErrInvalidState = errors.New("pairing: operation not valid in current state")
	ErrWrongCode    = errors.New("pairing: incorrect code")
	ErrLockedOut    = errors.New("pairing: locked out, reset required")
	ErrCodeExpired  = errors.New("pairing: code expired, new flow required")
	ErrBadPeer      = errors.New("pairing: malformed peer identity")
)

// Session is one pairing flow. Created on initiation, discarded when
// the flow completes or a new flow starts.
type Session struct {
	keypair *identity.Keypair
	policy  Policy
	clk     clock.Clock

	state           State
	code            string
	codeGeneratedAt time.Time
	failedAttempts  int

	peer       identity.PublicIdentity
	sessionKey [identity.SessionKeySize]byte
	haveKey    bool
}

// NewSession creates an idle pairing session for the given identity.
func NewSession(keypair *identity.Keypair, policy Policy, clk clock.Clock) *Session {
	return &Session{
		keypair: keypair,
		policy:  policy,
		clk:     clk,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// FailedAttempts returns the consecutive wrong-code count since the
// last code generation.
func (s *Session) FailedAttempts() int { return s.failedAttempts }

// GenerateCode creates a fresh pairing code and moves to AwaitingCode.
// Generating a new code resets the failed-attempt count. Not permitted
// from LockedOut (Reset first) or once key exchange has begun.
func (s *Session) GenerateCode() (string, error) {
	switch s.state {
	case Idle, AwaitingCode:
	case LockedOut:
		return "", ErrLockedOut
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}

	code, err := randomCode(s.policy.CodeLength)
	if err != nil {
		return "", err
	}

	s.code = code
	s.codeGeneratedAt = s.clk.Now()
	s.failedAttempts = 0
	s.state = AwaitingCode
	return code, nil
}

// IsCodeValid reports whether the live code is still inside its
// validity window. False in any state other than AwaitingCode.
func (s *Session) IsCodeValid() bool {
	if s.state != AwaitingCode {
		return false
	}
	return s.clk.Now().Sub(s.codeGeneratedAt) <= s.policy.CodeTTL
}

// SubmitCode checks an entered code. A correct, unexpired code moves
// the session to ExchangingKeys. A wrong code increments the failure
// count and locks the session out on the MaxAttempts-th consecutive
// failure. An expired code aborts the flow back to Idle regardless of
// correctness.
func (s *Session) SubmitCode(entered string) error {
	switch s.state {
	case AwaitingCode:
	case LockedOut:
		return ErrLockedOut
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}

	if s.clk.Now().Sub(s.codeGeneratedAt) > s.policy.CodeTTL {
		s.state = Idle
		s.code = ""
		return ErrCodeExpired
	}

	if subtle.ConstantTimeCompare([]byte(entered), []byte(s.code)) != 1 {
		s.failedAttempts++
		if s.failedAttempts >= s.policy.MaxAttempts {
			s.state = LockedOut
			s.code = ""
			return ErrLockedOut
		}
		return ErrWrongCode
	}

	s.state = ExchangingKeys
	s.code = ""
	return nil
}

// CompleteKeyExchange accepts the peer's public identity, derives the
// session key, and moves to Paired.
func (s *Session) CompleteKeyExchange(peer identity.PublicIdentity) error {
	if s.state != ExchangingKeys {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	if !peer.Valid() {
		return ErrBadPeer
	}

	key, err := identity.DeriveSessionKey(s.keypair.AgreementPrivate, peer.Agreement)
	if err != nil {
		return fmt.Errorf("pairing: deriving session key: %w", err)
	}

	s.peer = peer
	s.sessionKey = key
	s.haveKey = true
	s.state = Paired
	return nil
}

// SessionKey returns the derived key. ok is false until Paired.
func (s *Session) SessionKey() (key [identity.SessionKeySize]byte, ok bool) {
	return s.sessionKey, s.haveKey
}

// Peer returns the paired peer's public identity. Zero until Paired.
func (s *Session) Peer() identity.PublicIdentity { return s.peer }

// Reset abandons the flow: clears the code, attempts, and any derived
// key, and returns to Idle. This is the explicit escape from LockedOut.
func (s *Session) Reset() {
	s.state = Idle
	s.code = ""
	s.failedAttempts = 0
	s.haveKey = false
	s.sessionKey = [identity.SessionKeySize]byte{}
	s.peer = identity.PublicIdentity{}
}

// randomCode produces a fixed-length numeric string from crypto/rand.
func randomCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("pairing: code length %d is not positive", length)
	}
	digits := make([]byte, length)
	ten := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("pairing: generating code digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
