/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tokencodec converts sequencer symbol sequences to and from the
// canonical wire encoding used everywhere a token crosses a package or
// process boundary: uppercase hex, no separators, no "0x" prefix. An
// N-byte token yields a 2N-character string.
package tokencodec

import (
	"encoding/hex"
	"strings"
)

// Bytes renders a symbol sequence as its byte form. Symbols in 0..0xFF are
// emitted as a single byte (byte-mode alphabet); symbols above that are
// emitted as their UTF-8 encoding (codepoint-mode alphabet). The sequencer
// itself never inspects symbol magnitude beyond what the rolling hash
// already masks to 32 bits — this is purely a presentation-layer decision
// for callers that need a byte slice.
func Bytes(symbols []uint32) []byte {
	out := make([]byte, 0, len(symbols))
	for _, s := range symbols {
		switch {
		case s <= 0x7F:
			out = append(out, byte(s))
		case s <= 0xFF:
			out = append(out, byte(s))
		case s <= 0x7FF:
			out = append(out,
				byte(0xC0|(s>>6)),
				byte(0x80|(s&0x3F)),
			)
		case s <= 0xFFFF:
			out = append(out,
				byte(0xE0|(s>>12)),
				byte(0x80|((s>>6)&0x3F)),
				byte(0x80|(s&0x3F)),
			)
		default:
			out = append(out,
				byte(0xF0|(s>>18)),
				byte(0x80|((s>>12)&0x3F)),
				byte(0x80|((s>>6)&0x3F)),
				byte(0x80|(s&0x3F)),
			)
		}
	}
	return out
}

// HexBytes returns the canonical uppercase hex encoding of Bytes(symbols).
func HexBytes(symbols []uint32) string {
	return strings.ToUpper(hex.EncodeToString(Bytes(symbols)))
}

// HexLiteral returns the logging form: "\x" followed by the same uppercase
// hex digits.
func HexLiteral(symbols []uint32) string {
	return `\x` + HexBytes(symbols)
}

// EncodeRawBytes is HexBytes for callers that already hold a raw byte
// token (the ingest/lattice boundary) rather than a symbol sequence.
func EncodeRawBytes(raw []byte) string {
	return strings.ToUpper(hex.EncodeToString(raw))
}

// DecodeRawBytes inverts EncodeRawBytes.
func DecodeRawBytes(encoded string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(encoded))
}
