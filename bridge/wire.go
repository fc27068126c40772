// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge carries signed commands from the session layer to the
// privileged local agent over a Unix socket. The agent performs input
// injection and other operations the sandboxed session process cannot;
// the trust boundary is local privilege escalation, so every message
// is HMAC-signed under the pairing session key and carries a
// single-use nonce on top of the timestamp bound.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/periscope-remote/periscope/lib/codec"
)

// maxFrameSize bounds a single IPC frame. Commands are small; anything
// near this limit is a protocol error, not a legitimate message.
const maxFrameSize = 1024 * 1024

// frameHeaderSize is the 4-byte big-endian length prefix.
const frameHeaderSize = 4

// Response is the agent's answer to one signed command.
type Response struct {
	// OK indicates the command was verified and executed.
	OK bool `cbor:"ok"`

	// Error carries the execution failure message when OK is false.
	Error string `cbor:"error,omitempty"`
}

var errFrameTooLarge = errors.New("bridge: frame exceeds maximum size")

// writeFrame CBOR-encodes v and writes it as one length-prefixed frame.
func writeFrame(w io.Writer, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return errFrameTooLarge
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame and CBOR-decodes it into v.
func readFrame(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return errFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("bridge: decoding frame: %w", err)
	}
	return nil
}
