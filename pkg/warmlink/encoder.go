// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is returned when a frame's checksum does not match its body
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrEmptyFrame is returned when a frame carries no checksum byte
	ErrEmptyFrame = errors.New("empty frame")
)

// isControl reports whether b must be escaped inside a frame
func isControl(b byte) bool {
	return b == BeginByte || b == EndByte || b == EscByte
}

// Encode escapes control bytes for transmission.
// Each BEGIN, END or ESC byte is replaced with ESC followed by the byte
// with its high bit set. All other bytes pass through unchanged.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if isControl(b) {
			result = append(result, EscByte, b|EscMask)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// Decode removes escaping from a received frame body.
//
// An ESC byte clears the high bit of the byte that follows it and the pair
// is consumed as one literal. When the byte before an ESC is itself ESC,
// the ESC is emitted literally instead. A trailing ESC with no partner is
// dropped. This matches the paired firmware and must not be "simplified".
func Decode(data []byte) []byte {
	result := make([]byte, 0, len(data))

	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != EscByte {
			result = append(result, b)
			continue
		}
		if i > 0 && data[i-1] == EscByte {
			result = append(result, b)
			continue
		}
		if i+1 < len(data) {
			result = append(result, data[i+1]&^EscMask)
			i++
		}
	}

	return result
}

// BuildFrame creates a complete wire frame for a two byte command
func BuildFrame(opcode, value byte) []byte {
	return Frame([]byte{opcode, value})
}

// Frame wraps a raw body in BEGIN/END with escaping and checksum.
// The checksum covers the encoded body; a checksum that collides with a
// control byte is escaped so BEGIN and END only ever appear as delimiters.
func Frame(raw []byte) []byte {
	body := Encode(raw)
	crc := CalculateCRC(body)

	frame := make([]byte, 0, len(body)+4)
	frame = append(frame, BeginByte)
	frame = append(frame, body...)
	frame = append(frame, Encode([]byte{crc})...)
	frame = append(frame, EndByte)

	return frame
}

// ParseFrame verifies and decodes the bytes found between BEGIN and END.
// The last byte (or escaped pair) is the received checksum; the checksum of
// the remaining encoded bytes must match it.
func ParseFrame(inner []byte) ([]byte, error) {
	body, received, err := splitChecksum(inner)
	if err != nil {
		return nil, err
	}

	if calculated := CalculateCRC(body); calculated != received {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksumMismatch, calculated, received)
	}

	return Decode(body), nil
}

// splitChecksum separates the encoded body from its trailing checksum
func splitChecksum(inner []byte) ([]byte, byte, error) {
	n := len(inner)
	if n == 0 {
		return nil, 0, ErrEmptyFrame
	}

	if n >= 2 && inner[n-2] == EscByte && isControl(inner[n-1]&^EscMask) && inner[n-1]&EscMask != 0 {
		return inner[:n-2], inner[n-1] &^ EscMask, nil
	}

	return inner[:n-1], inner[n-1], nil
}
