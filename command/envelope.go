// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
)

// Envelope wraps a command for transport-level acknowledgment
// correlation. Acks reference the envelope ID, not arrival order —
// acknowledgments may come back out of order.
type Envelope struct {
	ID        string          `json:"id"`
	Command   json.RawMessage `json:"command"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
}

// Ack is the response to one Envelope.
type Ack struct {
	CommandID    string          `json:"commandId"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// NewEnvelope wraps a command with a random ID and the current time.
func NewEnvelope(c Command, clk clock.Clock) (Envelope, error) {
	encoded, err := Encode(c)
	if err != nil {
		return Envelope{}, err
	}

	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return Envelope{}, fmt.Errorf("command: generating envelope ID: %w", err)
	}

	return Envelope{
		ID:        hex.EncodeToString(idBytes[:]),
		Command:   encoded,
		Timestamp: clk.Now().UnixMilli(),
	}, nil
}

// DecodeEnvelope parses an envelope and its inner command. A malformed
// envelope or an unknown inner command is a protocol fault scoped to
// this one message.
func DecodeEnvelope(data []byte) (Envelope, Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, nil, fmt.Errorf("command: malformed envelope: %w", err)
	}
	if envelope.ID == "" {
		return Envelope{}, nil, fmt.Errorf("command: envelope missing id")
	}
	inner, err := Decode(envelope.Command)
	if err != nil {
		return Envelope{}, nil, err
	}
	return envelope, inner, nil
}

// NewAck builds a success acknowledgment for an envelope.
func NewAck(envelopeID string, data json.RawMessage, clk clock.Clock) Ack {
	return Ack{
		CommandID: envelopeID,
		Success:   true,
		Data:      data,
		Timestamp: clk.Now().UnixMilli(),
	}
}

// NewErrorAck builds a failure acknowledgment for an envelope.
func NewErrorAck(envelopeID, message string, clk clock.Clock) Ack {
	return Ack{
		CommandID:    envelopeID,
		Success:      false,
		ErrorMessage: message,
		Timestamp:    clk.Now().UnixMilli(),
	}
}

// NewSignedEnvelope wraps a command authenticated under the session
// key: the envelope's payload is a Signed command rather than the bare
// command. This is the session-transport form; the daemon bridge uses
// SignWithNonce instead.
func NewSignedEnvelope(c Command, key []byte, clk clock.Clock) (Envelope, error) {
	encoded, err := Encode(c)
	if err != nil {
		return Envelope{}, err
	}
	signed, err := Sign(encoded, key, clk)
	if err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		return Envelope{}, fmt.Errorf("command: encoding signed payload: %w", err)
	}

	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return Envelope{}, fmt.Errorf("command: generating envelope ID: %w", err)
	}

	return Envelope{
		ID:        hex.EncodeToString(idBytes[:]),
		Command:   payload,
		Timestamp: clk.Now().UnixMilli(),
	}, nil
}

// OpenSignedEnvelope parses an envelope carrying a Signed command,
// verifies the signature and age under the session key, and decodes
// the inner command. Verification failure rejects the whole envelope;
// the command is never partially applied.
func OpenSignedEnvelope(data []byte, key []byte, maxAge time.Duration, clk clock.Clock) (Envelope, Command, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, nil, fmt.Errorf("command: malformed envelope: %w", err)
	}
	if envelope.ID == "" {
		return Envelope{}, nil, fmt.Errorf("command: envelope missing id")
	}

	var signed Signed
	if err := json.Unmarshal(envelope.Command, &signed); err != nil {
		return Envelope{}, nil, fmt.Errorf("command: malformed signed payload: %w", err)
	}
	if err := Verify(signed, key, maxAge, clk); err != nil {
		return Envelope{}, nil, err
	}

	inner, err := Decode(signed.Command)
	if err != nil {
		return Envelope{}, nil, err
	}
	return envelope, inner, nil
}
