// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// Labels for the session's two data channels.
const (
	ControlChannelLabel = "control"
	VideoChannelLabel   = "video"
)

// Channel wraps an open data channel. Wrappers are constructed only
// once the underlying channel has fired its open event, so a Channel
// in hand is always sendable until the session tears down.
type Channel struct {
	dataChannel *webrtc.DataChannel
}

// Label returns the channel's wire label.
func (c *Channel) Label() string { return c.dataChannel.Label() }

// Send transmits one binary message.
func (c *Channel) Send(data []byte) error { return c.dataChannel.Send(data) }

// SendText transmits one text message.
func (c *Channel) SendText(text string) error { return c.dataChannel.SendText(text) }

// Close closes the underlying data channel.
func (c *Channel) Close() error { return c.dataChannel.Close() }
