// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that expiry and max-age checks are
// deterministic under test. Production code injects Real(); tests
// inject Fake() and advance it explicitly.
package clock

import "time"

// Clock is the time source injected into anything that checks a
// deadline: pairing code expiry, signed-command staleness, nonce
// window cleanup. Code under this module never calls time.Now
// directly when a Clock is in reach.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time
}
