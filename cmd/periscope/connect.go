// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/lib/clock"
	"github.com/periscope-remote/periscope/transport"
	"github.com/periscope-remote/periscope/video"
)

// connect opens a remote session as the caller. Commands are read from
// stdin, one JSON object per line, signed under the session key, and
// sent as envelopes; acknowledgments and video statistics are printed
// as they arrive.
func (a *app) connect(ctx context.Context) error {
	key, err := a.loadSessionKey()
	if err != nil {
		return err
	}

	session, err := a.openSession(ctx, printAck)
	if err != nil {
		return err
	}
	defer session.Close()

	control, ok := session.Control()
	if !ok {
		return fmt.Errorf("control channel unavailable after connect")
	}

	fmt.Fprintln(os.Stderr, "Connected. Enter one JSON command per line (ctrl-D to disconnect).")

	stdinDone := make(chan error, 1)
	go func() { stdinDone <- a.commandLoop(control, key) }()

	select {
	case <-ctx.Done():
	case <-session.Done():
		return fmt.Errorf("session ended: %s", session.State().Get())
	case err := <-stdinDone:
		if err != nil {
			return err
		}
		// Clean stdin EOF: ask the device to tear down too.
		a.sendCommand(control, key, command.Disconnect{Reason: "controller exit"})
	}
	return nil
}

// openSession establishes a caller-role session. Control messages are
// decoded as acknowledgments and handed to onAck; key frames arriving
// on the video channel are reported on stderr.
func (a *app) openSession(ctx context.Context, onAck func(command.Ack)) (*transport.RemoteSession, error) {
	link := a.newLink()
	session := transport.NewRemoteSession(link, transport.Config{
		DeviceID: a.device,
		Role:     transport.RoleCaller,
		Logger:   a.logger,
	})

	session.OnControlMessage(func(data []byte) {
		var ack command.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			a.logger.Warn("undecodable control message", "error", err)
			return
		}
		onAck(ack)
	})

	reassembler := video.NewReassembler()
	session.OnVideoMessage(func(data []byte) {
		frame, err := reassembler.Receive(data)
		if err != nil {
			a.logger.Debug("dropping video message", "error", err)
			return
		}
		if frame != nil && frame.KeyFrame {
			fmt.Fprintf(os.Stderr, "video: key frame, %d bytes at %dµs\n",
				len(frame.Payload), frame.Timestamp)
		}
	})

	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	// The caller created the control channel before offering; it opens
	// moments after the transport connects.
	opened := make(chan struct{}, 1)
	session.ControlAvailable().Subscribe(func(open bool) {
		if open {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	select {
	case <-opened:
	case <-session.Done():
		session.Close()
		return nil, fmt.Errorf("session ended before control channel opened")
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	}
	return session, nil
}

// commandLoop reads JSON commands from stdin until EOF.
func (a *app) commandLoop(control *transport.Channel, key []byte) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := command.Decode(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid command: %v\n", err)
			continue
		}
		if err := a.sendCommand(control, key, cmd); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// sendCommand signs a command under the session key and sends it as an
// envelope.
func (a *app) sendCommand(control *transport.Channel, key []byte, cmd command.Command) error {
	_, encoded, err := a.signedEnvelope(cmd, key)
	if err != nil {
		return err
	}
	return control.Send(encoded)
}

// signedEnvelope wraps a command in a signed envelope and returns both
// the envelope (for ack correlation by ID) and its wire encoding.
func (a *app) signedEnvelope(cmd command.Command, key []byte) (command.Envelope, []byte, error) {
	envelope, err := command.NewSignedEnvelope(cmd, key, clock.Real())
	if err != nil {
		return command.Envelope{}, nil, err
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return command.Envelope{}, nil, err
	}
	return envelope, encoded, nil
}

func printAck(ack command.Ack) {
	if ack.Success {
		if len(ack.Data) > 0 {
			fmt.Printf("ack %s ok %s\n", ack.CommandID, ack.Data)
		} else {
			fmt.Printf("ack %s ok\n", ack.CommandID)
		}
		return
	}
	fmt.Printf("ack %s error: %s\n", ack.CommandID, ack.ErrorMessage)
}
