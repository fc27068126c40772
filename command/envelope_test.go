// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
)

func TestNewEnvelope(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(1_700_000_123_456))

	envelope, err := NewEnvelope(KeyEvent{KeyCode: 13, Pressed: true}, fake)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if envelope.ID == "" {
		t.Error("envelope ID is empty")
	}
	if envelope.Timestamp != 1_700_000_123_456 {
		t.Errorf("timestamp = %d, want 1700000123456", envelope.Timestamp)
	}

	other, err := NewEnvelope(KeyEvent{KeyCode: 13, Pressed: true}, fake)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if other.ID == envelope.ID {
		t.Error("two envelopes share an ID")
	}
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	envelope, err := NewEnvelope(ClipboardSet{Text: "hello"}, fake)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	wire, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, inner, err := DecodeEnvelope(wire)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if decoded.ID != envelope.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, envelope.ID)
	}
	clipboard, ok := inner.(ClipboardSet)
	if !ok {
		t.Fatalf("inner type = %T, want ClipboardSet", inner)
	}
	if clipboard.Text != "hello" {
		t.Errorf("text = %q, want hello", clipboard.Text)
	}
}

func TestDecodeEnvelopeRejectsMissingID(t *testing.T) {
	if _, _, err := DecodeEnvelope([]byte(`{"command":{"type":"disconnect"},"timestamp":1}`)); err == nil {
		t.Error("envelope without id accepted")
	}
}

func TestDecodeEnvelopeRejectsUnknownInner(t *testing.T) {
	wire := []byte(`{"id":"e1","command":{"type":"warp-core-eject"},"timestamp":1}`)
	if _, _, err := DecodeEnvelope(wire); err == nil {
		t.Error("unknown inner command accepted")
	}
}

func TestAckConstructors(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(42_000))

	ok := NewAck("e1", json.RawMessage(`{"done":true}`), fake)
	if !ok.Success || ok.CommandID != "e1" || ok.Timestamp != 42_000 {
		t.Errorf("success ack = %+v", ok)
	}

	failed := NewErrorAck("e2", "injection refused", fake)
	if failed.Success || failed.ErrorMessage != "injection refused" {
		t.Errorf("error ack = %+v", failed)
	}
}
