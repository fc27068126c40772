// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the size of a derived symmetric session key.
const SessionKeySize = 32

// sessionKeyInfo is the HKDF info string binding derived keys to this
// protocol. Changing it invalidates all existing pairings.
const sessionKeyInfo = "periscope session key v1"

// DeriveSessionKey combines our X25519 private scalar with the peer's
// X25519 public key and runs the shared secret through HKDF-SHA256.
// Both parties compute the identical key:
//
//	DeriveSessionKey(privA, pubB) == DeriveSessionKey(privB, pubA)
//
// The all-zero shared secret (peer supplied a low-order point) is
// rejected rather than silently deriving a key an attacker can force.
func DeriveSessionKey(myAgreementPrivate, theirAgreementPublic []byte) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte

	if len(myAgreementPrivate) != AgreementKeySize {
		return key, fmt.Errorf("agreement private key has %d bytes, want %d", len(myAgreementPrivate), AgreementKeySize)
	}
	if len(theirAgreementPublic) != AgreementKeySize {
		return key, fmt.Errorf("agreement public key has %d bytes, want %d", len(theirAgreementPublic), AgreementKeySize)
	}

	shared, err := curve25519.X25519(myAgreementPrivate, theirAgreementPublic)
	if err != nil {
		return key, fmt.Errorf("X25519 agreement: %w", err)
	}

	reader := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("HKDF expand: %w", err)
	}
	return key, nil
}
