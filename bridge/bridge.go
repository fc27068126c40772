// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/lib/clock"
)

// ErrDisconnected is returned when the bridge has no live socket. It
// is distinct from CommandError so callers can decide between
// reconnecting and retrying the command.
var ErrDisconnected = errors.New("bridge: not connected to agent")

// CommandError is an execution failure reported by the agent. The
// bridge connection remains usable.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return "bridge: agent rejected command: " + e.Message
}

// Bridge is the client side of the agent IPC channel. Single-owner:
// callers serialize access. Any I/O failure drops the connection —
// the caller reconnects explicitly.
type Bridge struct {
	clk    clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	key  []byte
}

// New creates a disconnected bridge holding the current session key.
func New(sessionKey []byte, clk clock.Clock, logger *slog.Logger) *Bridge {
	return &Bridge{
		clk:    clk,
		logger: logger,
		key:    append([]byte(nil), sessionKey...),
	}
}

// Connect dials the agent's Unix socket. An existing connection is
// closed first.
func (b *Bridge) Connect(ctx context.Context, socketPath string) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("bridge: connecting to agent socket %s: %w", socketPath, err)
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("agent bridge connected", "socket", socketPath)
	return nil
}

// IsConnected reports whether the bridge holds a live socket.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// RotateKey replaces the signing key without touching the socket.
// Used when the controller re-pairs mid-session.
func (b *Bridge) RotateKey(sessionKey []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.key = append([]byte(nil), sessionKey...)
}

// Close drops the connection. Safe on a disconnected bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Send signs a command with a fresh nonce, writes it, and waits for
// the agent's response. Returns nil on success, *CommandError when the
// agent refused the command, or an ErrDisconnected-wrapped error on
// any I/O failure (after which IsConnected reports false).
func (b *Bridge) Send(ctx context.Context, c command.Command) error {
	b.mu.Lock()
	conn := b.conn
	key := b.key
	b.mu.Unlock()

	if conn == nil {
		return ErrDisconnected
	}

	encoded, err := command.Encode(c)
	if err != nil {
		return err
	}
	signed, err := command.SignWithNonce(encoded, key, b.clk)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(conn, signed); err != nil {
		b.dropConnection(conn)
		return fmt.Errorf("%w: writing command: %v", ErrDisconnected, err)
	}

	var response Response
	if err := readFrame(conn, &response); err != nil {
		b.dropConnection(conn)
		return fmt.Errorf("%w: reading response: %v", ErrDisconnected, err)
	}

	if !response.OK {
		return &CommandError{Message: response.Error}
	}
	return nil
}

// dropConnection clears the socket reference if it still points at the
// failed connection. The reference is cleared before Close so a racing
// Send observes the disconnect rather than a half-dead socket.
func (b *Bridge) dropConnection(failed net.Conn) {
	b.mu.Lock()
	if b.conn == failed {
		b.conn = nil
	}
	b.mu.Unlock()
	failed.Close()
	b.logger.Warn("agent bridge disconnected")
}
