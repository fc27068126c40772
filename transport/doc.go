// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes the peer-to-peer session between a
// controller and a device. A signaling link (relay-backed in
// production, in-process for tests) carries the join/offer/answer/
// candidate exchange; the resulting WebRTC peer connection exposes a
// control data channel for authenticated commands and a video data
// channel for framed encoded video.
//
// Sessions are single-use: a RemoteSession connects once and, on any
// failure or explicit close, releases every derived resource before
// the owner may build a replacement. There is no mid-session
// renegotiation.
package transport
