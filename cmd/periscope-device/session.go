// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/periscope-remote/periscope/bridge"
	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/filetransfer"
	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/lib/config"
	"github.com/periscope-remote/periscope/lib/identity"
	"github.com/periscope-remote/periscope/pairing"
	"github.com/periscope-remote/periscope/transport"
)

// serveOnce runs one full cycle: pairing over a fresh relay link, then
// the remote session until it ends.
func serveOnce(ctx context.Context, cfg *config.Config, keypair *identity.Keypair, deviceID string, testPattern bool, logger *slog.Logger) error {
	link := &transport.TCPLink{
		Address: cfg.Relay.Address,
		Timeout: cfg.Relay.ConnectTimeout,
		Logger:  logger,
	}
	if err := link.Connect(ctx); err != nil {
		return err
	}
	defer link.Close()

	// Announce ourselves to the relay so the controller's pairing
	// traffic reaches this connection. The remote session sends its own
	// join later; the relay treats the repeat as ordinary traffic.
	join, err := transport.EncodeSignal(transport.Join{DeviceID: deviceID, Role: transport.RoleAnswerer})
	if err != nil {
		return err
	}
	if err := link.Send(ctx, join); err != nil {
		return fmt.Errorf("joining relay: %w", err)
	}

	pairSession := pairing.NewSession(keypair, pairingPolicy(cfg), clock.Real())
	code, err := pairSession.GenerateCode()
	if err != nil {
		return err
	}
	fmt.Printf("Pairing code: %s\n", code)

	sessionKey, err := pairing.RunDevice(ctx, link, pairSession)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	logger.Info("paired with controller")

	agent := bridge.New(sessionKey[:], clock.Real(), logger)
	if err := agent.Connect(ctx, cfg.Paths.AgentSocket); err != nil {
		// The session is still useful for video without input
		// injection; input commands will fail individually.
		logger.Warn("input agent unavailable", "error", err)
	}
	defer agent.Close()

	session := transport.NewRemoteSession(link, transport.Config{
		DeviceID:   deviceID,
		Role:       transport.RoleAnswerer,
		ICEServers: iceServers(cfg),
		Logger:     logger,
	})

	dispatcher := &dispatcher{
		ctx:          ctx,
		session:      session,
		agent:        agent,
		key:          sessionKey[:],
		clk:          clock.Real(),
		logger:       logger,
		transfers:    make(map[string]*filetransfer.Receiver),
		downloadsDir: filepath.Join(cfg.Paths.State, "downloads"),
	}
	session.OnControlMessage(dispatcher.handleControl)

	if err := session.Connect(ctx); err != nil {
		return err
	}
	logger.Info("remote session established")

	if testPattern {
		go streamTestPattern(ctx, session, cfg.Video, &dispatcher.keyFrameWanted, logger)
	}

	select {
	case <-ctx.Done():
		session.Close()
	case <-session.Done():
	}
	return nil
}

// dispatcher verifies and executes controller commands arriving on the
// control channel, acknowledging each envelope by ID.
type dispatcher struct {
	ctx     context.Context
	session *transport.RemoteSession
	agent   *bridge.Bridge
	key     []byte
	clk     clock.Clock
	logger  *slog.Logger

	keyFrameWanted atomic.Bool

	mu           sync.Mutex
	transfers    map[string]*filetransfer.Receiver
	downloadsDir string
}

func (d *dispatcher) handleControl(data []byte) {
	envelope, cmd, err := command.OpenSignedEnvelope(data, d.key, command.DefaultMaxAge, d.clk)
	if err != nil {
		// Undecodable or unauthenticated: reject this one message.
		d.logger.Warn("rejecting control message", "error", err)
		return
	}

	result, err := d.execute(cmd)
	var ack command.Ack
	if err != nil {
		d.logger.Warn("command failed", "type", cmd.CommandType(), "error", err)
		ack = command.NewErrorAck(envelope.ID, err.Error(), d.clk)
	} else {
		ack = command.NewAck(envelope.ID, result, d.clk)
	}

	control, ok := d.session.Control()
	if !ok {
		return
	}
	encoded, err := json.Marshal(ack)
	if err != nil {
		d.logger.Error("encoding ack failed", "error", err)
		return
	}
	if err := control.Send(encoded); err != nil {
		d.logger.Warn("sending ack failed", "error", err)
	}
}

// execute runs one verified command. The returned data, if any, is
// attached to the success acknowledgment.
func (d *dispatcher) execute(cmd command.Command) (json.RawMessage, error) {
	switch c := cmd.(type) {
	case command.PointerMove, command.PointerButton, command.Scroll,
		command.KeyEvent, command.ClipboardSet:
		return nil, d.agent.Send(d.ctx, cmd)

	case command.KeyFrameRequest:
		d.keyFrameWanted.Store(true)
		return nil, nil

	case command.QualityChange:
		// Profile switching is owned by the capture collaborator; the
		// dispatcher only validates and acknowledges.
		d.logger.Info("quality change requested", "profile", c.Profile)
		return json.RawMessage(fmt.Sprintf(`{"profile":%q}`, c.Profile)), nil

	case command.FileOffer:
		return nil, d.acceptFileOffer(c)

	case command.FileChunk:
		return d.acceptFileChunk(c)

	case command.FileComplete:
		return d.completeFile(c)

	case command.Disconnect:
		d.logger.Info("controller requested disconnect", "reason", c.Reason)
		go d.session.Close()
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported command type %q", cmd.CommandType())
	}
}

func (d *dispatcher) acceptFileOffer(offer command.FileOffer) error {
	if offer.TransferID == "" {
		return fmt.Errorf("file offer missing transfer id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.transfers[offer.TransferID]; exists {
		return fmt.Errorf("transfer %s already in progress", offer.TransferID)
	}
	d.transfers[offer.TransferID] = filetransfer.NewReceiver(filetransfer.Metadata{
		Name:     offer.Name,
		MimeType: offer.MimeType,
		Size:     offer.Size,
		Digest:   offer.Digest,
	})
	d.logger.Info("file transfer offered",
		"transfer_id", offer.TransferID,
		"name", offer.Name,
		"size", offer.Size,
	)
	return nil
}

func (d *dispatcher) acceptFileChunk(chunk command.FileChunk) (json.RawMessage, error) {
	d.mu.Lock()
	receiver, ok := d.transfers[chunk.TransferID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no transfer %s", chunk.TransferID)
	}

	err := receiver.Add(filetransfer.Chunk{
		Data:           chunk.Data,
		SequenceNumber: chunk.SequenceNumber,
		TotalChunks:    chunk.TotalChunks,
		Checksum:       chunk.Checksum,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"sequenceNumber":%d}`, chunk.SequenceNumber)), nil
}

func (d *dispatcher) completeFile(complete command.FileComplete) (json.RawMessage, error) {
	d.mu.Lock()
	receiver, ok := d.transfers[complete.TransferID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no transfer %s", complete.TransferID)
	}

	data, err := receiver.Complete()
	if err != nil {
		if errors.Is(err, filetransfer.ErrMissingChunks) {
			missing, missingErr := receiver.Missing()
			if missingErr == nil {
				encoded, _ := json.Marshal(missing)
				return nil, fmt.Errorf("transfer %s incomplete, missing chunks %s", complete.TransferID, encoded)
			}
		}
		return nil, err
	}

	if err := os.MkdirAll(d.downloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}
	// The announced name is untrusted; keep only its basename.
	name := filepath.Base(receiver.Metadata().Name)
	path := filepath.Join(d.downloadsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing received file: %w", err)
	}

	d.mu.Lock()
	delete(d.transfers, complete.TransferID)
	d.mu.Unlock()

	d.logger.Info("file transfer complete", "transfer_id", complete.TransferID, "path", path)
	return json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)), nil
}
