// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package video

// maxPartialFrames bounds the number of incomplete chunked frames held
// at once. At normal cadence only one frame is ever in flight; the cap
// exists so a burst of frames with lost chunks cannot grow the buffer
// without bound. When exceeded, the oldest partial frame is dropped —
// it was never going to complete anyway.
const maxPartialFrames = 16

// Reassembler turns incoming wire messages back into frames. One
// Reassembler per video channel; not safe for concurrent use (the
// channel delivers messages from a single goroutine).
type Reassembler struct {
	partials map[uint64]*partialFrame
	order    []uint64 // insertion order, for oldest-first eviction
}

type partialFrame struct {
	chunks   [][]byte
	received int
	total    uint16
	keyFrame bool
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{partials: make(map[uint64]*partialFrame)}
}

// Receive processes one wire message. Returns the completed frame when
// the message finishes one (single-message frames complete
// immediately), or nil while a chunked frame is still partial.
// Malformed messages return an error and leave existing partial state
// untouched — one bad message never corrupts other frames.
func (r *Reassembler) Receive(message []byte) (*Frame, error) {
	frame, c, err := parse(message)
	if err != nil {
		return nil, err
	}
	if frame != nil {
		return frame, nil
	}

	partial, exists := r.partials[c.timestamp]
	if !exists {
		partial = &partialFrame{
			chunks:   make([][]byte, c.total),
			total:    c.total,
			keyFrame: c.keyFrame,
		}
		r.partials[c.timestamp] = partial
		r.order = append(r.order, c.timestamp)
		r.evictIfNeeded()
	}

	if c.total != partial.total {
		return nil, ErrBadChunkHeader
	}
	if partial.chunks[c.index] != nil {
		// Duplicate chunk; transports can re-deliver. Ignore.
		return nil, nil
	}
	partial.chunks[c.index] = c.payload
	partial.received++

	if partial.received < int(partial.total) {
		return nil, nil
	}

	r.remove(c.timestamp)

	size := 0
	for _, piece := range partial.chunks {
		size += len(piece)
	}
	payload := make([]byte, 0, size)
	for _, piece := range partial.chunks {
		payload = append(payload, piece...)
	}
	return &Frame{Payload: payload, Timestamp: c.timestamp, KeyFrame: partial.keyFrame}, nil
}

// PendingFrames returns the number of incomplete chunked frames held.
func (r *Reassembler) PendingFrames() int {
	return len(r.partials)
}

func (r *Reassembler) evictIfNeeded() {
	for len(r.partials) > maxPartialFrames {
		oldest := r.order[0]
		r.remove(oldest)
	}
}

func (r *Reassembler) remove(timestamp uint64) {
	delete(r.partials, timestamp)
	for i, id := range r.order {
		if id == timestamp {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
