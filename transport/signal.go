// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType discriminates signaling messages on the wire.
type SignalType string

const (
	SignalJoin         SignalType = "join"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalPeerJoined   SignalType = "peer-joined"
	SignalPeerLeft     SignalType = "peer-left"
	SignalError        SignalType = "error"
)

// ErrUnknownSignal marks a signaling message whose type tag is not
// part of the protocol. Receivers log and drop such messages; an
// unknown signal is a protocol fault scoped to one message, never a
// session failure.
var ErrUnknownSignal = errors.New("transport: unknown signal type")

// Signal is implemented by every signaling message.
type Signal interface {
	SignalType() SignalType
}

// Join announces a party to the relay for one device's session.
type Join struct {
	Type     SignalType `json:"type"`
	DeviceID string     `json:"deviceId"`
	Role     Role       `json:"role"`
}

func (Join) SignalType() SignalType { return SignalJoin }

// Offer carries the caller's session description.
type Offer struct {
	Type SignalType `json:"type"`
	SDP  string     `json:"sdp"`
}

func (Offer) SignalType() SignalType { return SignalOffer }

// Answer carries the answerer's session description.
type Answer struct {
	Type SignalType `json:"type"`
	SDP  string     `json:"sdp"`
}

func (Answer) SignalType() SignalType { return SignalAnswer }

// ICECandidate forwards one discovered transport candidate. Candidates
// flow in both directions as they are found, independent of the
// offer/answer exchange.
type ICECandidate struct {
	Type             SignalType `json:"type"`
	Candidate        string     `json:"candidate"`
	SDPMid           *string    `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16    `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string    `json:"usernameFragment,omitempty"`
}

func (ICECandidate) SignalType() SignalType { return SignalICECandidate }

// PeerJoined notifies a waiting party that its counterpart arrived.
type PeerJoined struct {
	Type SignalType `json:"type"`
	Role Role       `json:"role"`
}

func (PeerJoined) SignalType() SignalType { return SignalPeerJoined }

// PeerLeft notifies that the counterpart left the session.
type PeerLeft struct {
	Type SignalType `json:"type"`
}

func (PeerLeft) SignalType() SignalType { return SignalPeerLeft }

// SignalFault is a relay-reported error.
type SignalFault struct {
	Type    SignalType `json:"type"`
	Message string     `json:"message"`
}

func (SignalFault) SignalType() SignalType { return SignalError }

// EncodeSignal marshals a signaling message, stamping the wire tag
// from the message's static type.
func EncodeSignal(s Signal) ([]byte, error) {
	switch v := s.(type) {
	case Join:
		v.Type = SignalJoin
		return json.Marshal(v)
	case Offer:
		v.Type = SignalOffer
		return json.Marshal(v)
	case Answer:
		v.Type = SignalAnswer
		return json.Marshal(v)
	case ICECandidate:
		v.Type = SignalICECandidate
		return json.Marshal(v)
	case PeerJoined:
		v.Type = SignalPeerJoined
		return json.Marshal(v)
	case PeerLeft:
		v.Type = SignalPeerLeft
		return json.Marshal(v)
	case SignalFault:
		v.Type = SignalError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("transport: cannot encode signal %T", s)
	}
}

// DecodeSignal parses a tagged signaling message.
func DecodeSignal(data []byte) (Signal, error) {
	var probe struct {
		Type SignalType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("transport: malformed signal JSON: %w", err)
	}

	switch probe.Type {
	case SignalJoin:
		return decodeSignalAs[Join](data, probe.Type)
	case SignalOffer:
		return decodeSignalAs[Offer](data, probe.Type)
	case SignalAnswer:
		return decodeSignalAs[Answer](data, probe.Type)
	case SignalICECandidate:
		return decodeSignalAs[ICECandidate](data, probe.Type)
	case SignalPeerJoined:
		return decodeSignalAs[PeerJoined](data, probe.Type)
	case SignalPeerLeft:
		return decodeSignalAs[PeerLeft](data, probe.Type)
	case SignalError:
		return decodeSignalAs[SignalFault](data, probe.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, probe.Type)
	}
}

func decodeSignalAs[T Signal](data []byte, tag SignalType) (Signal, error) {
	var target T
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("transport: decoding %q signal: %w", tag, err)
	}
	return target, nil
}
