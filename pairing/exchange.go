// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/periscope-remote/periscope/lib/identity"
)

// Link is the message-oriented connection the pairing exchange runs
// over. Satisfied by the transport package's signaling links.
type Link interface {
	Messages() <-chan []byte
	Send(ctx context.Context, payload []byte) error
}

// ErrLinkClosed reports that the link dropped mid-exchange.
var ErrLinkClosed = fmt.Errorf("pairing: link closed during exchange")

const (
	messagePairRequest  = "pair-request"
	messagePairResponse = "pair-response"
)

// exchangeMessage is the pairing handshake wire format. Key material
// is base64 on the wire (encoding/json default for []byte).
type exchangeMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Signing   []byte `json:"signing,omitempty"`
	Agreement []byte `json:"agreement,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunDevice serves the device side of one pairing flow over the link.
// The session must already hold a generated code (displayed to the
// user out of band). Wrong codes are answered and counted until the
// session accepts one, locks out, or the code expires. On success the
// derived session key is returned and the session is Paired.
func RunDevice(ctx context.Context, link Link, session *Session) ([identity.SessionKeySize]byte, error) {
	var zero [identity.SessionKeySize]byte

	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case message, ok := <-link.Messages():
			if !ok {
				return zero, ErrLinkClosed
			}
			raw = message
		}

		var request exchangeMessage
		if err := json.Unmarshal(raw, &request); err != nil || request.Type != messagePairRequest {
			// Not part of the handshake; the relay may interleave
			// other traffic. Skip it.
			continue
		}

		submitErr := session.SubmitCode(request.Code)
		if submitErr != nil {
			reply := exchangeMessage{Type: messagePairResponse, Error: submitErr.Error()}
			encoded, err := json.Marshal(reply)
			if err != nil {
				return zero, fmt.Errorf("pairing: encoding response: %w", err)
			}
			if err := link.Send(ctx, encoded); err != nil {
				return zero, fmt.Errorf("pairing: sending response: %w", err)
			}
			// Wrong codes leave the flow open for another attempt;
			// lockout and expiry end it.
			if submitErr == ErrWrongCode {
				continue
			}
			return zero, submitErr
		}

		peer := identity.PublicIdentity{
			Signing:   request.Signing,
			Agreement: request.Agreement,
		}
		if err := session.CompleteKeyExchange(peer); err != nil {
			reply := exchangeMessage{Type: messagePairResponse, Error: err.Error()}
			if encoded, marshalErr := json.Marshal(reply); marshalErr == nil {
				link.Send(ctx, encoded)
			}
			return zero, err
		}

		self := session.keypair.Public
		reply := exchangeMessage{
			Type:      messagePairResponse,
			Signing:   self.Signing,
			Agreement: self.Agreement,
		}
		encoded, err := json.Marshal(reply)
		if err != nil {
			return zero, fmt.Errorf("pairing: encoding response: %w", err)
		}
		if err := link.Send(ctx, encoded); err != nil {
			return zero, fmt.Errorf("pairing: sending response: %w", err)
		}

		key, _ := session.SessionKey()
		return key, nil
	}
}

// RunController submits one code attempt from the controller side and,
// on acceptance, derives the same session key from the device's public
// identity. A rejected code returns an error carrying the device's
// reason; the caller decides whether to prompt again.
func RunController(ctx context.Context, link Link, code string, keypair *identity.Keypair) ([identity.SessionKeySize]byte, identity.PublicIdentity, error) {
	var zero [identity.SessionKeySize]byte

	request := exchangeMessage{
		Type:      messagePairRequest,
		Code:      code,
		Signing:   keypair.Public.Signing,
		Agreement: keypair.Public.Agreement,
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return zero, identity.PublicIdentity{}, fmt.Errorf("pairing: encoding request: %w", err)
	}
	if err := link.Send(ctx, encoded); err != nil {
		return zero, identity.PublicIdentity{}, fmt.Errorf("pairing: sending request: %w", err)
	}

	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return zero, identity.PublicIdentity{}, ctx.Err()
		case message, ok := <-link.Messages():
			if !ok {
				return zero, identity.PublicIdentity{}, ErrLinkClosed
			}
			raw = message
		}

		var response exchangeMessage
		if err := json.Unmarshal(raw, &response); err != nil || response.Type != messagePairResponse {
			continue
		}
		if response.Error != "" {
			return zero, identity.PublicIdentity{}, fmt.Errorf("pairing: device rejected pairing: %s", response.Error)
		}

		peer := identity.PublicIdentity{
			Signing:   response.Signing,
			Agreement: response.Agreement,
		}
		if !peer.Valid() {
			return zero, identity.PublicIdentity{}, ErrBadPeer
		}

		key, err := identity.DeriveSessionKey(keypair.AgreementPrivate, peer.Agreement)
		if err != nil {
			return zero, identity.PublicIdentity{}, fmt.Errorf("pairing: deriving session key: %w", err)
		}
		return key, peer, nil
	}
}
