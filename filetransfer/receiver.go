// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package filetransfer

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Receiver accumulates verified chunks for one announced transfer and
// produces the file once every chunk has arrived and the whole-file
// digest matches the announcement.
type Receiver struct {
	metadata Metadata
	chunks   map[uint32]Chunk
}

// NewReceiver starts collecting a transfer announced by metadata.
func NewReceiver(metadata Metadata) *Receiver {
	return &Receiver{metadata: metadata, chunks: make(map[uint32]Chunk)}
}

// Metadata returns the transfer announcement.
func (r *Receiver) Metadata() Metadata { return r.metadata }

// Add verifies a chunk's checksum and buffers it by sequence number.
// A corrupt chunk is rejected without disturbing chunks already
// accepted — the sender can resend just that chunk. Resending a chunk
// already accepted is fine as long as the copies agree; a conflicting
// payload at a held sequence number is an inconsistency fault.
func (r *Receiver) Add(chunk Chunk) error {
	if !VerifyChecksum(chunk) {
		return fmt.Errorf("%w: sequence %d", ErrChecksumMismatch, chunk.SequenceNumber)
	}
	if held, ok := r.chunks[chunk.SequenceNumber]; ok {
		if held.Checksum != chunk.Checksum || held.TotalChunks != chunk.TotalChunks {
			return fmt.Errorf("%w: sequence %d resent with different content",
				ErrInconsistentChunks, chunk.SequenceNumber)
		}
		return nil
	}
	r.chunks[chunk.SequenceNumber] = chunk
	return nil
}

// held returns the accepted chunks as a slice for reassembly.
func (r *Receiver) held() []Chunk {
	chunks := make([]Chunk, 0, len(r.chunks))
	for _, chunk := range r.chunks {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Missing reports the sequence numbers not yet received, in ascending
// order. Nil when the transfer is complete.
func (r *Receiver) Missing() ([]uint32, error) {
	result, err := TryReassemble(r.held())
	if err != nil {
		return nil, err
	}
	return result.MissingChunks, nil
}

// Complete reassembles the file and checks it against the announced
// size and digest. Returns ErrMissingChunks while chunks are absent.
func (r *Receiver) Complete() ([]byte, error) {
	data, err := Reassemble(r.held())
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != r.metadata.Size {
		return nil, fmt.Errorf("%w: reassembled %d bytes, announced %d",
			ErrDigestMismatch, len(data), r.metadata.Size)
	}
	digest := blake3.Sum256(data)
	if hex.EncodeToString(digest[:]) != r.metadata.Digest {
		return nil, ErrDigestMismatch
	}
	return data, nil
}
