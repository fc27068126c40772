// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// periscope-device is the device-side daemon. It loads or creates the
// device identity, runs the pairing flow against the signaling relay
// (displaying the pairing code on stdout), and then serves the remote
// session: verified controller commands are forwarded to the
// privileged input agent over the local bridge socket, and encoded
// video is framed onto the session's video channel.
package main
