// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package command defines the logical commands a controller sends to a
// managed device, the envelope/acknowledgment wire format used over
// the session data channel, and the HMAC codec that authenticates
// commands under a pairing session key.
//
// Commands form a closed tagged union discriminated by the wire "type"
// field. Decode rejects unknown tags as a protocol fault instead of
// falling through to a default.
package command

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the command union on the wire.
type Type string

const (
	TypePointerMove     Type = "pointer-move"
	TypePointerButton   Type = "pointer-button"
	TypeScroll          Type = "scroll"
	TypeKeyEvent        Type = "key-event"
	TypeClipboardSet    Type = "clipboard-set"
	TypeQualityChange   Type = "quality-change"
	TypeKeyFrameRequest Type = "key-frame-request"
	TypeFileOffer       Type = "file-offer"
	TypeFileChunk       Type = "file-chunk"
	TypeFileComplete    Type = "file-complete"
	TypeDisconnect      Type = "disconnect"
)

// Command is implemented by every member of the command union.
type Command interface {
	CommandType() Type
}

// PointerMove repositions the remote pointer. Coordinates are
// normalized to [0,1] so the controller does not need the device's
// screen geometry.
type PointerMove struct {
	Type Type    `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (PointerMove) CommandType() Type { return TypePointerMove }

// PointerButton presses or releases a pointer button at a position.
type PointerButton struct {
	Type    Type    `json:"type"`
	Button  int     `json:"button"`
	Pressed bool    `json:"pressed"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

func (PointerButton) CommandType() Type { return TypePointerButton }

// Scroll scrolls by a delta in normalized screen units.
type Scroll struct {
	Type   Type    `json:"type"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

func (Scroll) CommandType() Type { return TypeScroll }

// KeyEvent presses or releases a key.
type KeyEvent struct {
	Type      Type   `json:"type"`
	KeyCode   int    `json:"keyCode"`
	Pressed   bool   `json:"pressed"`
	Modifiers uint32 `json:"modifiers,omitempty"`
}

func (KeyEvent) CommandType() Type { return TypeKeyEvent }

// ClipboardSet replaces the device clipboard contents.
type ClipboardSet struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

func (ClipboardSet) CommandType() Type { return TypeClipboardSet }

// QualityChange asks the device encoder to switch capture profiles.
type QualityChange struct {
	Type    Type   `json:"type"`
	Profile string `json:"profile"`
}

func (QualityChange) CommandType() Type { return TypeQualityChange }

// KeyFrameRequest asks the device encoder to emit a key frame. Sent by
// the controller when the video decoder detects a gap; there is no
// per-chunk retransmission, the next key frame is the recovery path.
type KeyFrameRequest struct {
	Type Type `json:"type"`
}

func (KeyFrameRequest) CommandType() Type { return TypeKeyFrameRequest }

// FileOffer announces an incoming file transfer.
type FileOffer struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transferId"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

func (FileOffer) CommandType() Type { return TypeFileOffer }

// FileChunk carries one checksummed chunk of an announced transfer.
// Data is base64 on the wire (encoding/json default for []byte).
type FileChunk struct {
	Type           Type   `json:"type"`
	TransferID     string `json:"transferId"`
	SequenceNumber uint32 `json:"sequenceNumber"`
	TotalChunks    uint32 `json:"totalChunks"`
	Checksum       uint32 `json:"checksum"`
	Data           []byte `json:"data"`
}

func (FileChunk) CommandType() Type { return TypeFileChunk }

// FileComplete marks the sender side of a transfer as finished.
type FileComplete struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transferId"`
}

func (FileComplete) CommandType() Type { return TypeFileComplete }

// Disconnect asks the peer to tear down the session cleanly.
type Disconnect struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (Disconnect) CommandType() Type { return TypeDisconnect }

// Encode marshals a command, stamping the wire discriminator from the
// command's static type so a zero-valued Type field cannot produce an
// untagged message.
func Encode(c Command) ([]byte, error) {
	switch v := c.(type) {
	case PointerMove:
		v.Type = TypePointerMove
		return json.Marshal(v)
	case PointerButton:
		v.Type = TypePointerButton
		return json.Marshal(v)
	case Scroll:
		v.Type = TypeScroll
		return json.Marshal(v)
	case KeyEvent:
		v.Type = TypeKeyEvent
		return json.Marshal(v)
	case ClipboardSet:
		v.Type = TypeClipboardSet
		return json.Marshal(v)
	case QualityChange:
		v.Type = TypeQualityChange
		return json.Marshal(v)
	case KeyFrameRequest:
		v.Type = TypeKeyFrameRequest
		return json.Marshal(v)
	case FileOffer:
		v.Type = TypeFileOffer
		return json.Marshal(v)
	case FileChunk:
		v.Type = TypeFileChunk
		return json.Marshal(v)
	case FileComplete:
		v.Type = TypeFileComplete
		return json.Marshal(v)
	case Disconnect:
		v.Type = TypeDisconnect
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("command: cannot encode %T", c)
	}
}

// Decode parses a tagged command. Unknown or missing tags return
// ErrUnknownCommand wrapped with the offending tag.
func Decode(data []byte) (Command, error) {
	var tagged struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("command: malformed command JSON: %w", err)
	}

	switch tagged.Type {
	case TypePointerMove:
		return decodeAs[PointerMove](data, tagged.Type)
	case TypePointerButton:
		return decodeAs[PointerButton](data, tagged.Type)
	case TypeScroll:
		return decodeAs[Scroll](data, tagged.Type)
	case TypeKeyEvent:
		return decodeAs[KeyEvent](data, tagged.Type)
	case TypeClipboardSet:
		return decodeAs[ClipboardSet](data, tagged.Type)
	case TypeQualityChange:
		return decodeAs[QualityChange](data, tagged.Type)
	case TypeKeyFrameRequest:
		return decodeAs[KeyFrameRequest](data, tagged.Type)
	case TypeFileOffer:
		return decodeAs[FileOffer](data, tagged.Type)
	case TypeFileChunk:
		return decodeAs[FileChunk](data, tagged.Type)
	case TypeFileComplete:
		return decodeAs[FileComplete](data, tagged.Type)
	case TypeDisconnect:
		return decodeAs[Disconnect](data, tagged.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tagged.Type)
	}
}

func decodeAs[T Command](data []byte, tag Type) (Command, error) {
	var target T
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("command: decoding %q: %w", tag, err)
	}
	return target, nil
}
