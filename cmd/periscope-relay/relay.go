// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/periscope-remote/periscope/transport"
)

// maxSignalSize bounds a single newline-delimited signaling message.
// SDP bodies with many candidates run a few KiB; this leaves two
// orders of magnitude headroom.
const maxSignalSize = 256 * 1024

// Relay accepts signaling connections and pairs them into per-device
// rooms. Each room holds at most one caller and one answerer; every
// message after the join line is forwarded verbatim to the other
// member.
type Relay struct {
	// Address is the TCP address to listen on.
	Address string

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

// maxPendingSignals bounds the messages held for a party whose
// counterpart has not joined yet. A caller queues one offer and a
// handful of candidates; beyond the cap the oldest are dropped.
const maxPendingSignals = 64

// room is one device's signaling session.
type room struct {
	members map[transport.Role]*member
}

// member is one connected party. Writes to the connection are
// serialized through writeMu because forwarded messages and relay
// notifications come from different goroutines. pending holds
// messages sent before the counterpart joined; they flush, in order,
// when it does.
type member struct {
	role    transport.Role
	conn    net.Conn
	writeMu sync.Mutex
	pending [][]byte
}

func (m *member) send(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.conn.Write(append(data, '\n'))
	return err
}

func (m *member) sendSignal(s transport.Signal) error {
	encoded, err := transport.EncodeSignal(s)
	if err != nil {
		return err
	}
	return m.send(encoded)
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Start binds the listen address and begins accepting connections.
// Returns once bound; the accept loop runs until Stop or context
// cancellation.
func (r *Relay) Start(ctx context.Context) error {
	if r.Address == "" {
		return fmt.Errorf("relay: Address is required")
	}

	listener, err := net.Listen("tcp", r.Address)
	if err != nil {
		return fmt.Errorf("relay: failed to listen on %s: %w", r.Address, err)
	}
	r.listener = listener
	r.rooms = make(map[string]*room)

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.acceptLoop(ctx)
	}()

	r.logger().Info("relay started", "address", listener.Addr())
	return nil
}

// Addr returns the bound listen address, for callers that passed a
// port of zero.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to
// drain.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	if r.done != nil {
		<-r.done
	}
}

// acceptLoop accepts connections until the context is cancelled. It
// waits for all connection goroutines before returning so that closing
// the done channel signals full quiescence.
func (r *Relay) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.closeAll()
				r.connections.Wait()
				return
			default:
				r.logger().Error("accept failed", "error", err)
				continue
			}
		}

		connectionCount++
		connectionID := connectionCount
		r.connections.Add(1)
		go func() {
			defer r.connections.Done()
			r.handleConnection(connection, connectionID)
		}()
	}
}

// closeAll closes every member connection so their read loops unblock
// during shutdown.
func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		for _, m := range rm.members {
			m.conn.Close()
		}
	}
}

func (r *Relay) handleConnection(conn net.Conn, connectionID int64) {
	defer conn.Close()

	logger := r.logger().With("connection_id", connectionID)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxSignalSize)

	// The first message must announce which device session this
	// connection belongs to and in which role.
	if !scanner.Scan() {
		logger.Debug("connection closed before join")
		return
	}
	join, err := parseJoin(scanner.Bytes())
	if err != nil {
		logger.Warn("rejecting connection", "error", err)
		return
	}

	party := &member{role: join.Role, conn: conn}
	if err := r.join(join.DeviceID, party); err != nil {
		logger.Warn("rejecting join", "device_id", join.DeviceID, "role", join.Role, "error", err)
		party.sendSignal(transport.SignalFault{Message: err.Error()})
		return
	}
	defer r.leave(join.DeviceID, party)

	logger.Debug("joined", "device_id", join.DeviceID, "role", join.Role)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		counterpart := r.forwardTarget(join.DeviceID, party, line)
		if counterpart == nil {
			// Queued until the peer joins; the caller's offer and early
			// candidates arrive before the answerer does.
			continue
		}
		if err := counterpart.send(line); err != nil {
			logger.Debug("forward failed", "error", err)
			counterpart.conn.Close()
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("read failed", "error", err)
	}
}

// parseJoin decodes the connection's first message, which must be a
// join with a device ID and a valid role.
func parseJoin(data []byte) (transport.Join, error) {
	signal, err := transport.DecodeSignal(data)
	if err != nil {
		return transport.Join{}, err
	}
	join, ok := signal.(transport.Join)
	if !ok {
		return transport.Join{}, fmt.Errorf("relay: first message is %q, want %q",
			signal.SignalType(), transport.SignalJoin)
	}
	if join.DeviceID == "" {
		return transport.Join{}, fmt.Errorf("relay: join missing device id")
	}
	if join.Role != transport.RoleCaller && join.Role != transport.RoleAnswerer {
		return transport.Join{}, fmt.Errorf("relay: unknown role %q", join.Role)
	}
	return join, nil
}

// join adds a member to the device's room, creating it on first join.
// A role already present in the room refuses the newcomer; the seated
// member keeps its place.
func (r *Relay) join(deviceID string, party *member) error {
	r.mu.Lock()
	rm, ok := r.rooms[deviceID]
	if !ok {
		rm = &room{members: make(map[transport.Role]*member)}
		r.rooms[deviceID] = rm
	}
	if _, occupied := rm.members[party.role]; occupied {
		r.mu.Unlock()
		return fmt.Errorf("relay: role %q already joined for device %q", party.role, deviceID)
	}
	rm.members[party.role] = party
	counterpart := rm.members[otherRole(party.role)]
	var backlog [][]byte
	if counterpart != nil {
		backlog = counterpart.pending
		counterpart.pending = nil
	}
	r.mu.Unlock()

	if counterpart != nil {
		counterpart.sendSignal(transport.PeerJoined{Role: party.role})
		party.sendSignal(transport.PeerJoined{Role: counterpart.role})
		for _, queued := range backlog {
			if err := party.send(queued); err != nil {
				break
			}
		}
	}
	return nil
}

// leave removes a member and notifies the counterpart, deleting the
// room when it empties.
func (r *Relay) leave(deviceID string, party *member) {
	r.mu.Lock()
	rm, ok := r.rooms[deviceID]
	if !ok || rm.members[party.role] != party {
		r.mu.Unlock()
		return
	}
	delete(rm.members, party.role)
	counterpart := rm.members[otherRole(party.role)]
	if len(rm.members) == 0 {
		delete(r.rooms, deviceID)
	}
	r.mu.Unlock()

	if counterpart != nil {
		counterpart.sendSignal(transport.PeerLeft{})
	}
}

// forwardTarget returns the counterpart to forward a message to, or
// nil after queueing the message on the sender for later flush.
func (r *Relay) forwardTarget(deviceID string, party *member, line []byte) *member {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[deviceID]
	if !ok {
		return nil
	}
	counterpart := rm.members[otherRole(party.role)]
	if counterpart != nil {
		return counterpart
	}

	queued := append([]byte(nil), line...)
	party.pending = append(party.pending, queued)
	if len(party.pending) > maxPendingSignals {
		party.pending = party.pending[1:]
	}
	return nil
}

func otherRole(role transport.Role) transport.Role {
	if role == transport.RoleCaller {
		return transport.RoleAnswerer
	}
	return transport.RoleCaller
}
