// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Compile-time interface check.
var _ SignalingLink = (*TCPLink)(nil)

// maxSignalSize bounds one newline-delimited signaling message. SDP
// payloads with many candidates stay well under this.
const maxSignalSize = 256 * 1024

// TCPLink is the relay-backed SignalingLink: newline-delimited JSON
// over a persistent TCP connection to the signaling relay.
type TCPLink struct {
	// Address is the relay's host:port.
	Address string

	// Timeout is the dial timeout. Zero means only the context
	// deadline applies.
	Timeout time.Duration

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	writeMu sync.Mutex
	conn    net.Conn

	inbound   chan []byte
	closeOnce sync.Once
}

func (l *TCPLink) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Connect dials the relay and starts the inbound reader. Connecting
// an already connected link is a no-op, so a link used for the pairing
// exchange can be handed to a session without re-dialing.
func (l *TCPLink) Connect(ctx context.Context) error {
	if l.conn != nil {
		return nil
	}
	if l.Address == "" {
		return fmt.Errorf("transport: relay address is required")
	}
	conn, err := (&net.Dialer{Timeout: l.Timeout}).DialContext(ctx, "tcp", l.Address)
	if err != nil {
		return fmt.Errorf("transport: connecting to relay %s: %w", l.Address, err)
	}

	l.conn = conn
	l.inbound = make(chan []byte, 64)
	go l.readLoop(conn)

	l.logger().Info("signaling link connected", "relay", l.Address)
	return nil
}

// readLoop scans newline-delimited messages until the connection
// drops, then closes the inbound channel so consumers observe the
// link loss.
func (l *TCPLink) readLoop(conn net.Conn) {
	defer close(l.inbound)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSignalSize)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		select {
		case l.inbound <- line:
		default:
			// Nothing is draining the channel — the consumer is gone
			// or stalled. Dropping keeps this goroutine from outliving
			// the session that abandoned it.
			l.logger().Debug("dropping inbound signal, consumer stalled")
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger().Warn("signaling link read failed", "error", err)
	}
}

// Messages returns the inbound message stream. Nil before Connect.
func (l *TCPLink) Messages() <-chan []byte { return l.inbound }

// Send writes one newline-terminated message. Sends are serialized so
// concurrent callers cannot interleave partial lines.
func (l *TCPLink) Send(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.conn == nil {
		return net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}

	message := make([]byte, 0, len(payload)+1)
	message = append(message, payload...)
	message = append(message, '\n')
	if _, err := l.conn.Write(message); err != nil {
		return fmt.Errorf("transport: sending signal: %w", err)
	}
	return nil
}

// Close tears the link down. The reader observes the closed socket and
// closes the Messages channel.
func (l *TCPLink) Close() error {
	l.closeOnce.Do(func() {
		if l.conn != nil {
			l.conn.Close()
		}
	})
	return nil
}
