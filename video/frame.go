// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package video implements the binary framing protocol for encoded
// video over the session data channel.
//
// Frames that fit under the transport's safe message ceiling travel as
// one message; larger frames are split into fixed-size chunks keyed by
// the frame's presentation timestamp. The protocol never retransmits:
// a frame with a lost chunk is discarded whole and the next key frame
// recovers the stream.
//
// Wire layout, single message:
//
//	[1] flags (bit 0 = key frame)
//	[8] presentation timestamp, microseconds, big-endian
//	[n] payload
//
// Chunked (flags bit 7 set):
//
//	[1] flags (bit 7 = chunked, bit 0 = key frame)
//	[8] presentation timestamp (frame identifier for reassembly)
//	[2] chunk index, big-endian
//	[2] total chunk count, big-endian
//	[n] payload slice (at most ChunkPayloadSize bytes)
package video

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// flagKeyFrame marks a self-contained frame.
	flagKeyFrame = 0x01

	// flagChunked marks the chunked wire variant.
	flagChunked = 0x80

	// singleHeaderSize is flags + timestamp.
	singleHeaderSize = 1 + 8

	// chunkHeaderSize is flags + timestamp + index + count.
	chunkHeaderSize = 1 + 8 + 2 + 2

	// MaxSingleMessageSize is the safe transport message ceiling. A
	// frame whose header + payload fits under this travels unchunked.
	MaxSingleMessageSize = 16 * 1024

	// ChunkPayloadSize is the fixed payload size per chunk, chosen to
	// keep chunk messages comfortably below datagram limits.
	ChunkPayloadSize = 4000
)

// Frame is one encoded video frame. Produced by the capture/encoder
// collaborator; this package only frames and transports it.
type Frame struct {
	// Payload is the encoded bitstream for this frame.
	Payload []byte

	// Timestamp is the presentation time in monotonic microseconds.
	// For chunked frames it doubles as the reassembly identifier, so
	// it must be unique per frame within the reassembly horizon.
	Timestamp uint64

	// KeyFrame marks a self-contained frame usable for recovery.
	KeyFrame bool
}

// Framing fault sentinels.
var (
	ErrShortMessage   = errors.New("video: message shorter than header")
	ErrBadChunkHeader = errors.New("video: inconsistent chunk header")
	ErrFrameTooLarge  = errors.New("video: frame exceeds chunk count limit")
)

// MaxFramePayload is the largest payload the chunked encoding can
// carry: the 2-byte chunk count caps a frame at 65535 chunks.
const MaxFramePayload = ChunkPayloadSize * math.MaxUint16

// Encode converts a frame into its wire messages: a single-element
// slice for small frames, one message per chunk for large ones. A
// payload too large for the 2-byte chunk count is refused rather than
// wrapped.
func Encode(frame Frame) ([][]byte, error) {
	if singleHeaderSize+len(frame.Payload) <= MaxSingleMessageSize {
		return [][]byte{encodeSingle(frame)}, nil
	}
	if len(frame.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame.Payload))
	}
	return encodeChunked(frame), nil
}

func encodeSingle(frame Frame) []byte {
	message := make([]byte, singleHeaderSize+len(frame.Payload))
	if frame.KeyFrame {
		message[0] = flagKeyFrame
	}
	binary.BigEndian.PutUint64(message[1:9], frame.Timestamp)
	copy(message[singleHeaderSize:], frame.Payload)
	return message
}

func encodeChunked(frame Frame) [][]byte {
	total := (len(frame.Payload) + ChunkPayloadSize - 1) / ChunkPayloadSize
	flags := byte(flagChunked)
	if frame.KeyFrame {
		flags |= flagKeyFrame
	}

	messages := make([][]byte, 0, total)
	for index := 0; index < total; index++ {
		start := index * ChunkPayloadSize
		end := start + ChunkPayloadSize
		if end > len(frame.Payload) {
			end = len(frame.Payload)
		}
		slice := frame.Payload[start:end]

		message := make([]byte, chunkHeaderSize+len(slice))
		message[0] = flags
		binary.BigEndian.PutUint64(message[1:9], frame.Timestamp)
		binary.BigEndian.PutUint16(message[9:11], uint16(index))
		binary.BigEndian.PutUint16(message[11:13], uint16(total))
		copy(message[chunkHeaderSize:], slice)
		messages = append(messages, message)
	}
	return messages
}

// Send encodes a frame and pushes each wire message through send. If
// any chunk fails to send, the remaining chunks of that frame are
// abandoned — a cleanly dropped frame beats a gapped one, and the next
// key frame recovers.
func Send(frame Frame, send func([]byte) error) error {
	messages, err := Encode(frame)
	if err != nil {
		return err
	}
	for index, message := range messages {
		if err := send(message); err != nil {
			return fmt.Errorf("video: sending chunk %d of frame %d: %w", index, frame.Timestamp, err)
		}
	}
	return nil
}

// chunk is a parsed chunked message.
type chunk struct {
	timestamp uint64
	keyFrame  bool
	index     uint16
	total     uint16
	payload   []byte
}

// parse splits a wire message into either a complete frame or a chunk.
func parse(message []byte) (*Frame, *chunk, error) {
	if len(message) < singleHeaderSize {
		return nil, nil, ErrShortMessage
	}
	flags := message[0]
	timestamp := binary.BigEndian.Uint64(message[1:9])
	keyFrame := flags&flagKeyFrame != 0

	if flags&flagChunked == 0 {
		payload := make([]byte, len(message)-singleHeaderSize)
		copy(payload, message[singleHeaderSize:])
		return &Frame{Payload: payload, Timestamp: timestamp, KeyFrame: keyFrame}, nil, nil
	}

	if len(message) < chunkHeaderSize {
		return nil, nil, ErrShortMessage
	}
	index := binary.BigEndian.Uint16(message[9:11])
	total := binary.BigEndian.Uint16(message[11:13])
	if total == 0 || index >= total {
		return nil, nil, fmt.Errorf("%w: index %d of %d", ErrBadChunkHeader, index, total)
	}
	payload := make([]byte, len(message)-chunkHeaderSize)
	copy(payload, message[chunkHeaderSize:])
	return nil, &chunk{
		timestamp: timestamp,
		keyFrame:  keyFrame,
		index:     index,
		total:     total,
		payload:   payload,
	}, nil
}
