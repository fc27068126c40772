// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/lib/clock"
)

// Handler executes one verified command on behalf of the agent. A
// returned error is reported to the client as a command failure; the
// connection stays up.
type Handler func(command.Command) error

// Listener is the agent side of the bridge: it owns the Unix socket,
// verifies each frame's signature and nonce, and dispatches verified
// commands to the handler.
type Listener struct {
	// SocketPath is where the Unix socket is created. Any stale socket
	// file at this path is removed before binding.
	SocketPath string

	// Handler receives verified commands. Required.
	Handler Handler

	// MaxAge bounds accepted command timestamps. Zero means
	// command.DefaultMaxAge.
	MaxAge time.Duration

	// Clock supplies time for verification. Nil means the real clock.
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// RequireSameUser, when true, rejects connections whose peer UID
	// (via SO_PEERCRED) differs from the agent's own. Signature
	// verification is the real gate; this just refuses other users'
	// processes before they can probe the protocol.
	RequireSameUser bool

	mu  sync.Mutex
	key []byte

	nonces      *NonceCache
	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

// NonceCache re-exported for listener construction.
type NonceCache = command.NonceCache

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Listener) clk() clock.Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return clock.Real()
}

func (l *Listener) maxAge() time.Duration {
	if l.MaxAge > 0 {
		return l.MaxAge
	}
	return command.DefaultMaxAge
}

// SetKey installs or rotates the session key commands are verified
// under. Must be called before Start and again after any re-pairing.
func (l *Listener) SetKey(sessionKey []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = append([]byte(nil), sessionKey...)
}

func (l *Listener) currentKey() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// Start binds the socket and begins accepting connections. Returns once
// the listener is bound; the accept loop runs until Stop or context
// cancellation.
func (l *Listener) Start(ctx context.Context) error {
	if l.SocketPath == "" {
		return fmt.Errorf("bridge: SocketPath is required")
	}
	if l.Handler == nil {
		return fmt.Errorf("bridge: Handler is required")
	}
	if l.currentKey() == nil {
		return fmt.Errorf("bridge: no session key installed")
	}

	if err := os.Remove(l.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bridge: removing stale socket %s: %w", l.SocketPath, err)
	}

	listener, err := net.Listen("unix", l.SocketPath)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", l.SocketPath, err)
	}
	// The socket is the privilege boundary: owner-only.
	if err := os.Chmod(l.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("bridge: restricting socket permissions: %w", err)
	}

	l.listener = listener
	l.nonces = command.NewNonceCache(l.maxAge())

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.acceptLoop(ctx)
	}()

	l.logger().Info("agent listener started", "socket_path", l.SocketPath)
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// drain.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		l.listener.Close()
	}
	if l.done != nil {
		<-l.done
	}
	os.Remove(l.SocketPath)
}

// acceptLoop accepts connections until the context is cancelled. It
// waits for all connection goroutines before returning so that closing
// the done channel signals full quiescence.
func (l *Listener) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.connections.Wait()
				return
			default:
				l.logger().Error("accept failed", "error", err)
				continue
			}
		}

		connectionCount++
		connectionID := connectionCount
		l.connections.Add(1)
		go func() {
			defer l.connections.Done()
			l.handleConnection(ctx, connection, connectionID)
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, connectionID int64) {
	defer conn.Close()

	logger := l.logger().With("connection_id", connectionID)

	if l.RequireSameUser {
		if err := checkPeerUID(conn); err != nil {
			logger.Warn("rejecting connection", "error", err)
			return
		}
	}

	logger.Debug("connection accepted")

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		var signed command.Signed
		if err := readFrame(conn, &signed); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		response := l.handleCommand(signed, logger)
		if err := writeFrame(conn, response); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
	}
}

// handleCommand verifies and dispatches one frame. Verification
// failures and handler failures both come back as a Response; only
// transport faults tear down the connection.
func (l *Listener) handleCommand(signed command.Signed, logger *slog.Logger) Response {
	if err := command.VerifyWithNonce(signed, l.currentKey(), l.maxAge(), l.nonces, l.clk()); err != nil {
		logger.Warn("rejecting command", "error", err)
		return Response{Error: err.Error()}
	}

	c, err := command.Decode(signed.Command)
	if err != nil {
		logger.Warn("rejecting command", "error", err)
		return Response{Error: err.Error()}
	}

	if err := l.Handler(c); err != nil {
		logger.Warn("command failed", "type", c.CommandType(), "error", err)
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}

// checkPeerUID reads SO_PEERCRED from the Unix socket and compares the
// peer's UID against the current process UID.
func checkPeerUID(conn net.Conn) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("bridge: connection is not a unix socket")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("bridge: accessing raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	controlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return fmt.Errorf("bridge: reading peer credentials: %w", controlErr)
	}
	if credErr != nil {
		return fmt.Errorf("bridge: reading peer credentials: %w", credErr)
	}

	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("bridge: peer uid %d does not match process uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
