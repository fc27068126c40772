// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/lib/codec"
)

// NonceSize is the size of the random nonce on daemon-bound commands.
const NonceSize = 16

// DefaultMaxAge is the default validity window for signed commands.
const DefaultMaxAge = 30 * time.Second

// Signed is a command authenticated under a session key. Command holds
// the exact bytes the HMAC covers; re-marshalling on the verifier side
// would break authentication, so the inner command stays raw until the
// signature checks out.
type Signed struct {
	Command   []byte `json:"command" cbor:"1,keyasint"`
	Timestamp int64  `json:"timestamp" cbor:"2,keyasint"` // epoch milliseconds
	Nonce     []byte `json:"nonce,omitempty" cbor:"3,keyasint,omitempty"`
	HMAC      []byte `json:"hmac" cbor:"4,keyasint"`
}

// signingBase is the canonical structure the HMAC covers. Deterministic
// CBOR encoding guarantees both sides produce identical bytes for
// identical logical input.
type signingBase struct {
	Command   []byte `cbor:"1,keyasint"`
	Timestamp int64  `cbor:"2,keyasint"`
	Nonce     []byte `cbor:"3,keyasint,omitempty"`
}

func computeHMAC(key []byte, base signingBase) ([]byte, error) {
	canonical, err := codec.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("command: encoding signing base: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// Sign authenticates commandBytes at the current time under key.
func Sign(commandBytes []byte, key []byte, clk clock.Clock) (Signed, error) {
	timestamp := clk.Now().UnixMilli()
	tag, err := computeHMAC(key, signingBase{Command: commandBytes, Timestamp: timestamp})
	if err != nil {
		return Signed{}, err
	}
	return Signed{Command: commandBytes, Timestamp: timestamp, HMAC: tag}, nil
}

// SignWithNonce is the daemon-bound variant: a fresh random nonce is
// bound into the HMAC so the daemon can reject replays independently
// of clock skew.
func SignWithNonce(commandBytes []byte, key []byte, clk clock.Clock) (Signed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Signed{}, fmt.Errorf("command: generating nonce: %w", err)
	}
	timestamp := clk.Now().UnixMilli()
	tag, err := computeHMAC(key, signingBase{Command: commandBytes, Timestamp: timestamp, Nonce: nonce})
	if err != nil {
		return Signed{}, err
	}
	return Signed{Command: commandBytes, Timestamp: timestamp, Nonce: nonce, HMAC: tag}, nil
}

// Verify checks a signed command: constant-time HMAC comparison first,
// then the staleness bound. The two failures are reported separately
// (ErrBadSignature vs ErrStale) so callers can distinguish tamper from
// replay.
func Verify(signed Signed, key []byte, maxAge time.Duration, clk clock.Clock) error {
	expected, err := computeHMAC(key, signingBase{
		Command:   signed.Command,
		Timestamp: signed.Timestamp,
		Nonce:     signed.Nonce,
	})
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, signed.HMAC) {
		return ErrBadSignature
	}

	age := clk.Now().Sub(time.UnixMilli(signed.Timestamp))
	if age > maxAge {
		return ErrStale
	}
	return nil
}

// VerifyWithNonce is the daemon-side check: signature, staleness, and
// single-use nonce. The nonce is recorded only after the other checks
// pass, so a forged message cannot burn a nonce.
func VerifyWithNonce(signed Signed, key []byte, maxAge time.Duration, cache *NonceCache, clk clock.Clock) error {
	if len(signed.Nonce) != NonceSize {
		return ErrBadNonce
	}
	if err := Verify(signed, key, maxAge, clk); err != nil {
		return err
	}
	if !cache.Record(signed.Nonce, clk.Now()) {
		return ErrNonceReused
	}
	return nil
}
