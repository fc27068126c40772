// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"sync"
)

// SignalingLink is the collaborator boundary to the relay. The
// production link speaks newline-delimited JSON over TCP; tests use an
// in-process pair. The link is message-oriented: each Send payload
// arrives as exactly one Messages element on the far side.
type SignalingLink interface {
	// Connect establishes the link. Must be called before Send; the
	// Messages channel produces nothing until then.
	Connect(ctx context.Context) error

	// Messages is the inbound message stream. Closed when the link
	// closes, locally or remotely.
	Messages() <-chan []byte

	// Send transmits one message.
	Send(ctx context.Context, payload []byte) error

	// Close tears the link down. Idempotent.
	Close() error
}

// Compile-time interface check.
var _ SignalingLink = (*MemoryLink)(nil)

// MemoryLink is an in-process SignalingLink for tests. NewMemoryLinkPair
// returns two ends wired directly to each other, bypassing the relay:
// a message sent on one end arrives on the other's Messages channel.
type MemoryLink struct {
	inbound chan []byte
	peer    *MemoryLink

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewMemoryLinkPair creates two connected in-process links.
func NewMemoryLinkPair() (*MemoryLink, *MemoryLink) {
	a := &MemoryLink{inbound: make(chan []byte, 64)}
	b := &MemoryLink{inbound: make(chan []byte, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *MemoryLink) Connect(ctx context.Context) error { return nil }

func (l *MemoryLink) Messages() <-chan []byte { return l.inbound }

// Send delivers the payload to the peer end. Fails once either end has
// closed, matching a dropped relay connection.
func (l *MemoryLink) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return net.ErrClosed
	}

	message := append([]byte(nil), payload...)
	if !l.peer.deliver(message) {
		return net.ErrClosed
	}
	return nil
}

func (l *MemoryLink) deliver(message []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.inbound <- message:
		return true
	default:
		// A full buffer means the consumer stopped draining; treat it
		// as a dead link rather than blocking the sender forever.
		return false
	}
}

// Close closes this end's inbound stream. The peer end observes
// subsequent Sends failing.
func (l *MemoryLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.inbound)
		l.mu.Unlock()
	})
	return nil
}
