// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/lib/testutil"
	"github.com/periscope-remote/periscope/transport"
)

const relayTestTimeout = 10 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startRelay starts a relay on an ephemeral port and registers
// cleanup.
func startRelay(t *testing.T) *Relay {
	t.Helper()
	relay := &Relay{
		Address: "127.0.0.1:0",
		Logger:  discardLogger(),
	}
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(relay.Stop)
	return relay
}

// dialRelay connects a TCPLink to the relay and sends the join line.
func dialRelay(t *testing.T, relay *Relay, deviceID string, role transport.Role) *transport.TCPLink {
	t.Helper()
	link := &transport.TCPLink{
		Address: relay.Addr().String(),
		Logger:  discardLogger(),
	}
	ctx := context.Background()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { link.Close() })

	join, err := transport.EncodeSignal(transport.Join{DeviceID: deviceID, Role: role})
	if err != nil {
		t.Fatalf("EncodeSignal: %v", err)
	}
	if err := link.Send(ctx, join); err != nil {
		t.Fatalf("Send join: %v", err)
	}
	return link
}

// receiveSignal reads and decodes the next message from a link.
func receiveSignal(t *testing.T, link *transport.TCPLink) transport.Signal {
	t.Helper()
	raw := testutil.RequireReceive(t, link.Messages(), relayTestTimeout, "signal from relay")
	signal, err := transport.DecodeSignal(raw)
	if err != nil {
		t.Fatalf("DecodeSignal(%q): %v", raw, err)
	}
	return signal
}

func TestRelayPairsAndForwards(t *testing.T) {
	relay := startRelay(t)
	deviceID := testutil.UniqueID("device")

	answerer := dialRelay(t, relay, deviceID, transport.RoleAnswerer)
	caller := dialRelay(t, relay, deviceID, transport.RoleCaller)

	if joined, ok := receiveSignal(t, answerer).(transport.PeerJoined); !ok || joined.Role != transport.RoleCaller {
		t.Errorf("answerer notification = %#v", joined)
	}
	if joined, ok := receiveSignal(t, caller).(transport.PeerJoined); !ok || joined.Role != transport.RoleAnswerer {
		t.Errorf("caller notification = %#v", joined)
	}

	ctx := context.Background()
	offer, _ := transport.EncodeSignal(transport.Offer{SDP: "v=0 caller"})
	if err := caller.Send(ctx, offer); err != nil {
		t.Fatalf("Send offer: %v", err)
	}
	if got, ok := receiveSignal(t, answerer).(transport.Offer); !ok || got.SDP != "v=0 caller" {
		t.Errorf("forwarded offer = %#v", got)
	}

	answer, _ := transport.EncodeSignal(transport.Answer{SDP: "v=0 answerer"})
	if err := answerer.Send(ctx, answer); err != nil {
		t.Fatalf("Send answer: %v", err)
	}
	if got, ok := receiveSignal(t, caller).(transport.Answer); !ok || got.SDP != "v=0 answerer" {
		t.Errorf("forwarded answer = %#v", got)
	}
}

func TestRelayQueuesSignalsUntilPeerJoins(t *testing.T) {
	relay := startRelay(t)
	deviceID := testutil.UniqueID("device")

	// The caller joins first and offers into an empty room.
	caller := dialRelay(t, relay, deviceID, transport.RoleCaller)
	offer, _ := transport.EncodeSignal(transport.Offer{SDP: "early offer"})
	if err := caller.Send(context.Background(), offer); err != nil {
		t.Fatalf("Send offer: %v", err)
	}

	// Joins and sends race through separate relay goroutines; give the
	// offer a moment to be queued before the answerer arrives.
	time.Sleep(100 * time.Millisecond)

	answerer := dialRelay(t, relay, deviceID, transport.RoleAnswerer)

	if _, ok := receiveSignal(t, answerer).(transport.PeerJoined); !ok {
		t.Fatal("answerer did not get peer-joined first")
	}
	if got, ok := receiveSignal(t, answerer).(transport.Offer); !ok || got.SDP != "early offer" {
		t.Errorf("queued offer = %#v", got)
	}
}

func TestRelayRefusesOccupiedRole(t *testing.T) {
	relay := startRelay(t)
	deviceID := testutil.UniqueID("device")

	dialRelay(t, relay, deviceID, transport.RoleCaller)
	second := dialRelay(t, relay, deviceID, transport.RoleCaller)

	signal := receiveSignal(t, second)
	fault, ok := signal.(transport.SignalFault)
	if !ok {
		t.Fatalf("second caller got %#v, want fault", signal)
	}
	if fault.Message == "" {
		t.Error("fault has no message")
	}
}

func TestRelayNotifiesPeerLeft(t *testing.T) {
	relay := startRelay(t)
	deviceID := testutil.UniqueID("device")

	answerer := dialRelay(t, relay, deviceID, transport.RoleAnswerer)
	caller := dialRelay(t, relay, deviceID, transport.RoleCaller)
	receiveSignal(t, answerer) // peer-joined
	receiveSignal(t, caller)   // peer-joined

	caller.Close()

	if _, ok := receiveSignal(t, answerer).(transport.PeerLeft); !ok {
		t.Error("answerer did not get peer-left")
	}
}

func TestRelayRoomsAreIndependent(t *testing.T) {
	relay := startRelay(t)

	deviceA := testutil.UniqueID("device-a")
	deviceB := testutil.UniqueID("device-b")

	callerA := dialRelay(t, relay, deviceA, transport.RoleCaller)
	answererB := dialRelay(t, relay, deviceB, transport.RoleAnswerer)

	// Different devices never pair.
	offer, _ := transport.EncodeSignal(transport.Offer{SDP: "for device a"})
	if err := callerA.Send(context.Background(), offer); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case raw := <-answererB.Messages():
		t.Errorf("cross-room delivery: %q", raw)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestRelaySessionEndToEnd drives two real RemoteSessions through the
// relay: pair over TCP signaling, establish the peer connection, and
// exchange a control message.
func TestRelaySessionEndToEnd(t *testing.T) {
	relay := startRelay(t)
	deviceID := testutil.UniqueID("device")

	newSession := func(role transport.Role) *transport.RemoteSession {
		link := &transport.TCPLink{
			Address: relay.Addr().String(),
			Logger:  discardLogger(),
		}
		return transport.NewRemoteSession(link, transport.Config{
			DeviceID: deviceID,
			Role:     role,
			Logger:   discardLogger(),
		})
	}

	answerer := newSession(transport.RoleAnswerer)
	caller := newSession(transport.RoleCaller)
	defer answerer.Close()
	defer caller.Close()

	received := make(chan []byte, 1)
	answerer.OnControlMessage(func(data []byte) {
		select {
		case received <- data:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), relayTestTimeout)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- answerer.Connect(ctx) }()
	go func() { errs <- caller.Connect(ctx) }()
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	controlOpen := make(chan struct{}, 1)
	caller.ControlAvailable().Subscribe(func(open bool) {
		if open {
			select {
			case controlOpen <- struct{}{}:
			default:
			}
		}
	})
	testutil.RequireReceive(t, controlOpen, relayTestTimeout, "control channel open")

	control, ok := caller.Control()
	if !ok {
		t.Fatal("caller has no control channel")
	}
	if err := control.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	message := testutil.RequireReceive(t, received, relayTestTimeout, "control message")
	if string(message) != "ping" {
		t.Errorf("received %q", message)
	}
}
