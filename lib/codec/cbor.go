// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Periscope's standard CBOR encoding. Encoding
// uses Core Deterministic Encoding (RFC 8949 §4.2) so the same logical
// value always produces identical bytes — the authenticated command
// codec HMACs over these bytes, so determinism is a correctness
// requirement, not a nicety.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Wire maps always use string keys. When decoding into an
		// any-typed target the library must pick a concrete map type;
		// map[string]any keeps the result compatible with
		// encoding/json and ordinary Go code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of a
// nested payload.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder; Decoder its counterpart. Aliased
// so consumers import only lib/codec, not fxamacker/cbor directly.
type (
	Encoder = cbor.Encoder
	Decoder = cbor.Decoder
)

// NewEncoder returns a stream encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
