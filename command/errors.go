// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import "errors"

// Fault sentinels. Callers use errors.Is to distinguish tamper from
// replay from protocol faults; none of these terminate a session.
var (
	// ErrUnknownCommand is returned by Decode for an unrecognized or
	// missing type tag.
	ErrUnknownCommand = errors.New("command: unknown command type")

	// ErrBadSignature is returned by Verify when the HMAC does not
	// match — the command or timestamp was tampered with, or the
	// verifier holds a different session key.
	ErrBadSignature = errors.New("command: HMAC mismatch")

	// ErrStale is returned by Verify when the signature is valid but
	// the timestamp is older than the configured maximum age. A stale
	// but valid signature is the replay signature of a captured
	// command.
	ErrStale = errors.New("command: timestamp outside maximum age")

	// ErrNonceReused is returned by VerifyWithNonce when the nonce was
	// already accepted within the validity window.
	ErrNonceReused = errors.New("command: nonce already used")

	// ErrBadNonce is returned when a daemon-bound command carries a
	// nonce of the wrong size.
	ErrBadNonce = errors.New("command: malformed nonce")
)
