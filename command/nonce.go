// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"sync"
	"time"
)

// NonceCache is a thread-safe recent-set of accepted nonces. Entries
// expire after the validity window — once a command's timestamp would
// fail the staleness check anyway, remembering its nonce is pointless,
// so the cache stays bounded by the command rate times the window.
type NonceCache struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time // nonce -> receipt time
}

// NewNonceCache creates a cache whose entries expire after window.
// The window should match (or exceed) the maxAge used for signature
// verification.
func NewNonceCache(window time.Duration) *NonceCache {
	return &NonceCache{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

// Record registers a nonce at the given receipt time. Returns false if
// the nonce is already present (a replay), true if it was new. Expired
// entries are swept opportunistically on each call.
func (c *NonceCache) Record(nonce []byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.window)
	for key, receivedAt := range c.entries {
		if receivedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}

	key := string(nonce)
	if _, seen := c.entries[key]; seen {
		return false
	}
	c.entries[key] = now
	return true
}

// Len returns the number of live entries.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
