// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/lib/clock"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return key
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// recordingHandler collects every command the listener dispatches.
type recordingHandler struct {
	mu       sync.Mutex
	commands []command.Command
	fail     error
}

func (h *recordingHandler) handle(c command.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, c)
	return h.fail
}

func (h *recordingHandler) received() []command.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]command.Command(nil), h.commands...)
}

func startListener(t *testing.T, key []byte, handler Handler) (*Listener, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	listener := &Listener{
		SocketPath: socketPath,
		Handler:    handler,
		Logger:     discardLogger(),
	}
	listener.SetKey(key)
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(listener.Stop)
	return listener, socketPath
}

func TestSendWhileDisconnected(t *testing.T) {
	bridge := New(testKey(t), clock.Real(), discardLogger())
	err := bridge.Send(context.Background(), command.PointerMove{X: 0.5, Y: 0.5})
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestSendRoundTrip(t *testing.T) {
	key := testKey(t)
	handler := &recordingHandler{}
	_, socketPath := startListener(t, key, handler.handle)

	bridge := New(key, clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	sent := command.PointerMove{X: 0.25, Y: 0.75}
	if err := bridge.Send(context.Background(), sent); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := bridge.Send(context.Background(), command.KeyEvent{KeyCode: 30, Pressed: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received := handler.received()
	if len(received) != 2 {
		t.Fatalf("handler received %d commands, want 2", len(received))
	}
	move, ok := received[0].(command.PointerMove)
	if !ok {
		t.Fatalf("first command is %T, want PointerMove", received[0])
	}
	if move.X != sent.X || move.Y != sent.Y {
		t.Errorf("received %+v, want %+v", move, sent)
	}
}

func TestHandlerFailureIsCommandError(t *testing.T) {
	key := testKey(t)
	handler := &recordingHandler{fail: errors.New("no such display")}
	_, socketPath := startListener(t, key, handler.handle)

	bridge := New(key, clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	err := bridge.Send(context.Background(), command.KeyFrameRequest{})
	var commandError *CommandError
	if !errors.As(err, &commandError) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if commandError.Message != "no such display" {
		t.Errorf("message = %q", commandError.Message)
	}

	// The connection survives a rejected command.
	if !bridge.IsConnected() {
		t.Error("bridge disconnected after command failure")
	}
	handler.fail = nil
	if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); err != nil {
		t.Errorf("Send after failure: %v", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	handler := &recordingHandler{}
	_, socketPath := startListener(t, testKey(t), handler.handle)

	bridge := New(testKey(t), clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	err := bridge.Send(context.Background(), command.Disconnect{})
	var commandError *CommandError
	if !errors.As(err, &commandError) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if len(handler.received()) != 0 {
		t.Error("handler saw a command signed under the wrong key")
	}
}

func TestKeyRotation(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)
	handler := &recordingHandler{}
	listener, socketPath := startListener(t, oldKey, handler.handle)

	bridge := New(oldKey, clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); err != nil {
		t.Fatalf("Send under old key: %v", err)
	}

	listener.SetKey(newKey)
	var commandError *CommandError
	if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); !errors.As(err, &commandError) {
		t.Fatalf("Send under stale key: err = %v, want *CommandError", err)
	}

	bridge.RotateKey(newKey)
	if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); err != nil {
		t.Errorf("Send after rotation: %v", err)
	}
}

func TestDisconnectDetectedOnSocketFailure(t *testing.T) {
	key := testKey(t)
	handler := &recordingHandler{}
	listener, socketPath := startListener(t, key, handler.handle)

	bridge := New(key, clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	listener.Stop()

	err := bridge.Send(context.Background(), command.KeyFrameRequest{})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if bridge.IsConnected() {
		t.Error("bridge reports connected after socket failure")
	}
}

// TestNoncesAreDistinct captures the raw frames a bridge emits and
// checks that consecutive commands never share a nonce.
func TestNoncesAreDistinct(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	rawListener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer rawListener.Close()

	nonces := make(chan []byte, 4)
	go func() {
		conn, err := rawListener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var signed command.Signed
			if err := readFrame(conn, &signed); err != nil {
				return
			}
			nonces <- signed.Nonce
			if err := writeFrame(conn, Response{OK: true}); err != nil {
				return
			}
		}
	}()

	bridge := New(testKey(t), clock.Real(), discardLogger())
	if err := bridge.Connect(context.Background(), socketPath); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bridge.Close()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		if err := bridge.Send(context.Background(), command.KeyFrameRequest{}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		select {
		case nonce := <-nonces:
			if len(nonce) != command.NonceSize {
				t.Fatalf("nonce length = %d", len(nonce))
			}
			if seen[string(nonce)] {
				t.Fatal("nonce reused across commands")
			}
			seen[string(nonce)] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

// TestReplayRejected writes the same signed frame to the listener
// twice over a raw connection: the first is accepted, the second must
// be refused by the nonce cache.
func TestReplayRejected(t *testing.T) {
	key := testKey(t)
	handler := &recordingHandler{}
	_, socketPath := startListener(t, key, handler.handle)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	encoded, err := command.Encode(command.KeyFrameRequest{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	signed, err := command.SignWithNonce(encoded, key, clock.Real())
	if err != nil {
		t.Fatalf("SignWithNonce: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := writeFrame(conn, signed); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
		var response Response
		if err := readFrame(conn, &response); err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		wantOK := attempt == 0
		if response.OK != wantOK {
			t.Errorf("attempt %d: OK = %v, want %v (error: %s)",
				attempt, response.OK, wantOK, response.Error)
		}
	}

	if got := len(handler.received()); got != 1 {
		t.Errorf("handler executed %d commands, want 1", got)
	}
}
