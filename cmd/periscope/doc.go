// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// periscope is the controller CLI. It pairs with a device (prompting
// for the code the device displays), opens remote sessions as the
// caller, sends authenticated commands, and transfers files over the
// session's control channel.
package main
