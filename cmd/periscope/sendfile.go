// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/periscope-remote/periscope/command"
	"github.com/periscope-remote/periscope/filetransfer"
)

// ackTimeout bounds how long send-file waits for any one
// acknowledgment before giving up on the transfer.
const ackTimeout = 30 * time.Second

// sendFile transfers a file to the device over the session control
// channel: an offer announcing name, size, and digest, the checksummed
// chunks, then a completion marker. Every envelope is acknowledged
// individually; the completion ack carries the path the device wrote.
func (a *app) sendFile(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("send-file", pflag.ContinueOnError)
	chunkSize := flags.Int("chunk-size", filetransfer.DefaultChunkSize, "chunk payload size in bytes")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: periscope send-file [--chunk-size N] FILE")
	}
	path := flags.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	metadata := filetransfer.NewMetadata(name, mimeType, data)

	chunks, err := filetransfer.Split(data, *chunkSize)
	if err != nil {
		return err
	}

	key, err := a.loadSessionKey()
	if err != nil {
		return err
	}

	acks := newAckRouter()
	session, err := a.openSession(ctx, acks.deliver)
	if err != nil {
		return err
	}
	defer session.Close()

	control, ok := session.Control()
	if !ok {
		return fmt.Errorf("control channel unavailable after connect")
	}

	transferID, err := newTransferID()
	if err != nil {
		return err
	}

	sender := &transferSender{
		app:        a,
		control:    control,
		key:        key,
		acks:       acks,
		transferID: transferID,
	}

	offer := command.FileOffer{
		TransferID: transferID,
		Name:       metadata.Name,
		MimeType:   metadata.MimeType,
		Size:       metadata.Size,
		Digest:     metadata.Digest,
	}
	if _, err := sender.sendAcked(ctx, offer); err != nil {
		return fmt.Errorf("file offer rejected: %w", err)
	}

	for _, chunk := range chunks {
		wire := command.FileChunk{
			TransferID:     transferID,
			SequenceNumber: chunk.SequenceNumber,
			TotalChunks:    chunk.TotalChunks,
			Checksum:       chunk.Checksum,
			Data:           chunk.Data,
		}
		if _, err := sender.sendAcked(ctx, wire); err != nil {
			return fmt.Errorf("chunk %d/%d rejected: %w",
				chunk.SequenceNumber+1, chunk.TotalChunks, err)
		}
	}

	result, err := sender.sendAcked(ctx, command.FileComplete{TransferID: transferID})
	if err != nil {
		return fmt.Errorf("transfer incomplete: %w", err)
	}

	fmt.Printf("Sent %s (%d bytes, %d chunks)", name, len(data), len(chunks))
	if len(result.Data) > 0 {
		fmt.Printf(" -> %s", result.Data)
	}
	fmt.Println()

	a.sendCommand(control, key, command.Disconnect{Reason: "transfer complete"})
	return nil
}

// transferSender sends signed envelopes and blocks for their acks.
type transferSender struct {
	app        *app
	control    controlSender
	key        []byte
	acks       *ackRouter
	transferID string
}

// controlSender is the slice of transport.Channel sendAcked needs.
type controlSender interface {
	Send(data []byte) error
}

func (s *transferSender) sendAcked(ctx context.Context, cmd command.Command) (command.Ack, error) {
	envelope, encoded, err := s.app.signedEnvelope(cmd, s.key)
	if err != nil {
		return command.Ack{}, err
	}

	pending := s.acks.expect(envelope.ID)
	defer s.acks.forget(envelope.ID)

	if err := s.control.Send(encoded); err != nil {
		return command.Ack{}, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-pending:
		if !ack.Success {
			return ack, fmt.Errorf("device reported: %s", ack.ErrorMessage)
		}
		return ack, nil
	case <-timer.C:
		return command.Ack{}, fmt.Errorf("no acknowledgment within %s", ackTimeout)
	case <-ctx.Done():
		return command.Ack{}, ctx.Err()
	}
}

// ackRouter correlates incoming acknowledgments with in-flight
// envelopes by envelope ID. Acks may arrive out of send order.
type ackRouter struct {
	mu      sync.Mutex
	pending map[string]chan command.Ack
}

func newAckRouter() *ackRouter {
	return &ackRouter{pending: make(map[string]chan command.Ack)}
}

// expect registers interest in the ack for an envelope ID.
func (r *ackRouter) expect(envelopeID string) <-chan command.Ack {
	channel := make(chan command.Ack, 1)
	r.mu.Lock()
	r.pending[envelopeID] = channel
	r.mu.Unlock()
	return channel
}

func (r *ackRouter) forget(envelopeID string) {
	r.mu.Lock()
	delete(r.pending, envelopeID)
	r.mu.Unlock()
}

// deliver routes one ack; acks nobody is waiting for are dropped.
func (r *ackRouter) deliver(ack command.Ack) {
	r.mu.Lock()
	channel, ok := r.pending[ack.CommandID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case channel <- ack:
	default:
	}
}

func newTransferID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating transfer ID: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
