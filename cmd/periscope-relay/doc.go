// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// periscope-relay is the signaling relay the device agent and the
// controller CLI both dial. It pairs the two parties of a device's
// session by device ID and forwards their signaling messages; it never
// inspects session traffic, which flows peer to peer once the
// transport connects.
package main
