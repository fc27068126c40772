// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages the long-term cryptographic identity of a
// Periscope principal (controller or managed device) and derives the
// symmetric session key shared by a paired controller/device pair.
//
// An identity is two keypairs generated together: an Ed25519 signing
// pair used to authenticate pairing exchanges, and an X25519 agreement
// pair used for session-key derivation. Both public halves travel
// together as a PublicIdentity; the private halves never leave the
// owning process except via Save.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// AgreementKeySize is the size of an X25519 public or private key.
const AgreementKeySize = 32

// PublicIdentity is the shareable half of a Keypair. This is the value
// a principal hands to its peer during pairing key exchange.
type PublicIdentity struct {
	// Signing is the Ed25519 public key (32 bytes).
	Signing ed25519.PublicKey `json:"signing" cbor:"1,keyasint"`

	// Agreement is the X25519 public key (32 bytes).
	Agreement []byte `json:"agreement" cbor:"2,keyasint"`
}

// Valid reports whether both public halves have the expected sizes.
func (p PublicIdentity) Valid() bool {
	return len(p.Signing) == ed25519.PublicKeySize && len(p.Agreement) == AgreementKeySize
}

// Keypair is a principal's full identity: signing and agreement
// private keys plus the corresponding PublicIdentity.
type Keypair struct {
	// SigningPrivate is the Ed25519 private key (64 bytes).
	SigningPrivate ed25519.PrivateKey

	// AgreementPrivate is the X25519 private scalar (32 bytes).
	AgreementPrivate []byte

	// Public carries both public halves.
	Public PublicIdentity
}

// Generate creates a fresh identity from crypto/rand.
func Generate() (*Keypair, error) {
	signingPublic, signingPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}

	agreementPrivate := make([]byte, AgreementKeySize)
	if _, err := rand.Read(agreementPrivate); err != nil {
		return nil, fmt.Errorf("generating X25519 scalar: %w", err)
	}
	agreementPublic, err := curve25519.X25519(agreementPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("computing X25519 public key: %w", err)
	}

	return &Keypair{
		SigningPrivate:   signingPrivate,
		AgreementPrivate: agreementPrivate,
		Public: PublicIdentity{
			Signing:   signingPublic,
			Agreement: agreementPublic,
		},
	}, nil
}

// Sign signs message with the identity's Ed25519 private key and
// returns the 64-byte signature.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.SigningPrivate, message)
}

// Verify reports whether signature is a valid Ed25519 signature of
// message under the given public identity. Any tampering of message or
// signature, or a mismatched key, yields false.
func Verify(public PublicIdentity, message, signature []byte) bool {
	if len(public.Signing) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public.Signing, message, signature)
}
