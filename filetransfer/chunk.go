// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package filetransfer splits arbitrary byte payloads into checksummed
// chunks for transport over the session data channel and reassembles
// them on the far side. Chunks are order-insensitive and individually
// verifiable, so a corrupted or missing chunk is detected before the
// file is accepted.
package filetransfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/zeebo/blake3"
)

// DefaultChunkSize is the chunk payload size used when the caller has
// no transport-specific preference.
const DefaultChunkSize = 16 * 1024

// Chunk is one independently verifiable piece of a transfer.
type Chunk struct {
	// Data is this chunk's slice of the file.
	Data []byte `json:"data"`

	// SequenceNumber is the chunk's position, starting at zero.
	SequenceNumber uint32 `json:"sequenceNumber"`

	// TotalChunks is the transfer's chunk count, identical on every
	// chunk of one transfer.
	TotalChunks uint32 `json:"totalChunks"`

	// Checksum is the CRC32 (IEEE) of Data alone.
	Checksum uint32 `json:"checksum"`
}

// Metadata describes a transfer as announced ahead of its chunks.
type Metadata struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`

	// Digest is the lowercase hex BLAKE3-256 digest of the whole
	// file, checked after reassembly. Per-chunk CRC32 catches
	// transport corruption; the digest catches anything that slips
	// past it, including sender-side truncation.
	Digest string `json:"digest"`
}

// Reassembly fault sentinels.
var (
	ErrMissingChunks      = errors.New("filetransfer: chunks missing")
	ErrInconsistentChunks = errors.New("filetransfer: inconsistent chunk set")
	ErrChecksumMismatch   = errors.New("filetransfer: chunk checksum mismatch")
	ErrDigestMismatch     = errors.New("filetransfer: file digest mismatch")
)

// NewMetadata computes transfer metadata for a payload.
func NewMetadata(name, mimeType string, data []byte) Metadata {
	digest := blake3.Sum256(data)
	return Metadata{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Digest:   hex.EncodeToString(digest[:]),
	}
}

// Split divides data into chunks of at most chunkSize bytes; the last
// chunk may be shorter. Empty input yields exactly one zero-length
// chunk so downstream code has no empty-transfer special case.
func Split(data []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("filetransfer: chunk size %d is not positive", chunkSize)
	}

	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	chunks := make([]Chunk, 0, total)
	for index := 0; index < total; index++ {
		start := index * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		piece := make([]byte, end-start)
		copy(piece, data[start:end])

		chunks = append(chunks, Chunk{
			Data:           piece,
			SequenceNumber: uint32(index),
			TotalChunks:    uint32(total),
			Checksum:       crc32.ChecksumIEEE(piece),
		})
	}
	return chunks, nil
}

// VerifyChecksum recomputes the chunk's CRC32 and compares.
func VerifyChecksum(chunk Chunk) bool {
	return crc32.ChecksumIEEE(chunk.Data) == chunk.Checksum
}

// Reassemble sorts chunks by sequence number and concatenates. Errors
// if any chunk is missing or the set is internally inconsistent. Use
// TryReassemble when partial completeness must be reported instead.
func Reassemble(chunks []Chunk) ([]byte, error) {
	result, err := TryReassemble(chunks)
	if err != nil {
		return nil, err
	}
	if !result.Complete {
		return nil, fmt.Errorf("%w: %v", ErrMissingChunks, result.MissingChunks)
	}
	return result.Data, nil
}

// Result is TryReassemble's report.
type Result struct {
	// Complete is true when every sequence number is present.
	Complete bool

	// MissingChunks lists absent sequence numbers in ascending order.
	// Empty when Complete.
	MissingChunks []uint32

	// Data is the reassembled payload. Nil unless Complete.
	Data []byte
}

// TryReassemble derives the expected chunk count from any present
// chunk and reports which sequence numbers are absent. Duplicate
// sequence numbers or disagreeing TotalChunks values make the set
// inconsistent (a hard error, not incompleteness).
func TryReassemble(chunks []Chunk) (Result, error) {
	if len(chunks) == 0 {
		return Result{MissingChunks: []uint32{0}}, nil
	}

	total := chunks[0].TotalChunks
	present := make(map[uint32][]byte, len(chunks))
	for _, chunk := range chunks {
		if chunk.TotalChunks != total {
			return Result{}, fmt.Errorf("%w: chunk %d claims %d total, chunk 0 claims %d",
				ErrInconsistentChunks, chunk.SequenceNumber, chunk.TotalChunks, total)
		}
		if chunk.SequenceNumber >= total {
			return Result{}, fmt.Errorf("%w: sequence %d out of range for %d chunks",
				ErrInconsistentChunks, chunk.SequenceNumber, total)
		}
		if _, duplicate := present[chunk.SequenceNumber]; duplicate {
			return Result{}, fmt.Errorf("%w: duplicate sequence %d",
				ErrInconsistentChunks, chunk.SequenceNumber)
		}
		present[chunk.SequenceNumber] = chunk.Data
	}

	var missing []uint32
	for sequence := uint32(0); sequence < total; sequence++ {
		if _, ok := present[sequence]; !ok {
			missing = append(missing, sequence)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return Result{MissingChunks: missing}, nil
	}

	size := 0
	for _, data := range present {
		size += len(data)
	}
	payload := make([]byte, 0, size)
	for sequence := uint32(0); sequence < total; sequence++ {
		payload = append(payload, present[sequence]...)
	}
	return Result{Complete: true, Data: payload}, nil
}
