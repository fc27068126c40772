// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/periscope-remote/periscope/lib/clock"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func TestSignVerify(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	payload := []byte(`{"type":"key-event","keyCode":65,"pressed":true}`)
	signed, err := Sign(payload, testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(signed, testKey, DefaultMaxAge, fake); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedCommand(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	signed, err := Sign([]byte(`{"type":"clipboard-set","text":"a"}`), testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signed.Command[10] ^= 0x01
	if err := Verify(signed, testKey, DefaultMaxAge, fake); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsTamperedTimestamp(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	signed, err := Sign([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	signed.Timestamp += 5000
	if err := Verify(signed, testKey, DefaultMaxAge, fake); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	signed, err := Sign([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	otherKey := bytes.Repeat([]byte{0x43}, 32)
	if err := Verify(signed, otherKey, DefaultMaxAge, fake); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}

	// Wrong key fails regardless of age: advance far past the window
	// and confirm the signature error still wins over staleness.
	fake.Advance(time.Hour)
	if err := Verify(signed, otherKey, DefaultMaxAge, fake); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err after window = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsStale(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	signed, err := Sign([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	maxAge := 10 * time.Second

	fake.Advance(9 * time.Second)
	if err := Verify(signed, testKey, maxAge, fake); err != nil {
		t.Fatalf("Verify within window: %v", err)
	}

	fake.Advance(2 * time.Second)
	if err := Verify(signed, testKey, maxAge, fake); !errors.Is(err, ErrStale) {
		t.Errorf("err = %v, want ErrStale", err)
	}
}

func TestSignWithNonceDistinct(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	first, err := SignWithNonce([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("SignWithNonce: %v", err)
	}
	second, err := SignWithNonce([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("SignWithNonce: %v", err)
	}

	if len(first.Nonce) != NonceSize {
		t.Errorf("nonce size = %d, want %d", len(first.Nonce), NonceSize)
	}
	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Error("two consecutive commands share a nonce")
	}
}

func TestVerifyWithNonceRejectsReplay(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	cache := NewNonceCache(DefaultMaxAge)

	signed, err := SignWithNonce([]byte(`{"type":"key-event","keyCode":1,"pressed":true}`), testKey, fake)
	if err != nil {
		t.Fatalf("SignWithNonce: %v", err)
	}

	if err := VerifyWithNonce(signed, testKey, DefaultMaxAge, cache, fake); err != nil {
		t.Fatalf("first VerifyWithNonce: %v", err)
	}
	if err := VerifyWithNonce(signed, testKey, DefaultMaxAge, cache, fake); !errors.Is(err, ErrNonceReused) {
		t.Errorf("replay err = %v, want ErrNonceReused", err)
	}
}

func TestVerifyWithNonceRejectsMissingNonce(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	cache := NewNonceCache(DefaultMaxAge)

	signed, err := Sign([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := VerifyWithNonce(signed, testKey, DefaultMaxAge, cache, fake); !errors.Is(err, ErrBadNonce) {
		t.Errorf("err = %v, want ErrBadNonce", err)
	}
}

func TestForgedMessageDoesNotBurnNonce(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	cache := NewNonceCache(DefaultMaxAge)

	signed, err := SignWithNonce([]byte(`{"type":"disconnect"}`), testKey, fake)
	if err != nil {
		t.Fatalf("SignWithNonce: %v", err)
	}

	// An attacker replays the nonce on a forged payload first.
	forged := signed
	forged.Command = []byte(`{"type":"clipboard-set","text":"evil"}`)
	if err := VerifyWithNonce(forged, testKey, DefaultMaxAge, cache, fake); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("forged err = %v, want ErrBadSignature", err)
	}

	// The genuine message must still pass.
	if err := VerifyWithNonce(signed, testKey, DefaultMaxAge, cache, fake); err != nil {
		t.Errorf("genuine message rejected after forgery attempt: %v", err)
	}
}

func TestNonceCacheExpiry(t *testing.T) {
	window := 10 * time.Second
	cache := NewNonceCache(window)
	start := time.Unix(2000, 0)

	if !cache.Record([]byte("nonce-a"), start) {
		t.Fatal("fresh nonce rejected")
	}
	if cache.Record([]byte("nonce-a"), start.Add(5*time.Second)) {
		t.Fatal("replay inside window accepted")
	}

	// Past the window the entry is swept and the nonce is acceptable
	// again — the timestamp check is what rejects such a message.
	if !cache.Record([]byte("nonce-a"), start.Add(15*time.Second)) {
		t.Error("nonce still cached past its window")
	}
	if cache.Len() != 1 {
		t.Errorf("cache length = %d, want 1 after sweep", cache.Len())
	}
}
