// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "identity-key"
	publicKeyFile  = "identity-key.pub"
)

// privateFileSize is the on-disk private key layout: Ed25519 private
// key followed by the X25519 scalar.
const privateFileSize = ed25519.PrivateKeySize + AgreementKeySize

// publicFileSize is the on-disk public key layout: Ed25519 public key
// followed by the X25519 public key.
const publicFileSize = ed25519.PublicKeySize + AgreementKeySize

// Save writes the keypair to the state directory. The private key file
// has 0600 permissions; the public key file has 0644.
func Save(stateDir string, keypair *Keypair) error {
	private := make([]byte, 0, privateFileSize)
	private = append(private, keypair.SigningPrivate...)
	private = append(private, keypair.AgreementPrivate...)
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	public := make([]byte, 0, publicFileSize)
	public = append(public, keypair.Public.Signing...)
	public = append(public, keypair.Public.Agreement...)
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Load reads a keypair from the state directory. Returns an error if
// either file is missing or has an unexpected size.
func Load(stateDir string) (*Keypair, error) {
	private, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(private) != privateFileSize {
		return nil, fmt.Errorf("private key file has %d bytes, want %d", len(private), privateFileSize)
	}

	public, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(public) != publicFileSize {
		return nil, fmt.Errorf("public key file has %d bytes, want %d", len(public), publicFileSize)
	}

	return &Keypair{
		SigningPrivate:   ed25519.PrivateKey(private[:ed25519.PrivateKeySize]),
		AgreementPrivate: private[ed25519.PrivateKeySize:],
		Public: PublicIdentity{
			Signing:   ed25519.PublicKey(public[:ed25519.PublicKeySize]),
			Agreement: public[ed25519.PublicKeySize:],
		},
	}, nil
}

// LoadOrGenerate loads an existing keypair from stateDir, or generates
// and saves a new one if none exists. Returns the keypair and whether
// it was newly generated. A present-but-corrupt key file is an error,
// not a silent regeneration — regenerating would orphan every pairing
// bound to the old identity.
func LoadOrGenerate(stateDir string) (*Keypair, bool, error) {
	keypair, err := Load(stateDir)
	if err == nil {
		return keypair, false, nil
	}

	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil {
		return nil, false, err
	}

	keypair, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(stateDir, keypair); err != nil {
		return nil, false, err
	}
	return keypair, true, nil
}
