// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import "fmt"

// Decoder extracts frames from a byte stream
type Decoder struct {
	state     int
	buffer    []byte
	skipped   int
	rawBuffer []byte // Accumulate raw bytes including framing
}

// NewDecoder creates a new stream decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		buffer:    make([]byte, 0, MaxFrameSize),
		rawBuffer: make([]byte, 0, MaxFrameSize+2),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes of the frame in progress (or just completed)
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Skipped returns the number of bytes discarded while waiting for BEGIN
func (d *Decoder) Skipped() int {
	return d.skipped
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns the decoded payload once END completes a frame, nil while the
// frame is incomplete, or an error if the frame fails verification.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	if b == BeginByte {
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateBody
		return nil, nil
	}

	switch d.state {
	case stateIdle:
		// Waiting for BEGIN
		d.skipped++
		return nil, nil

	case stateBody:
		d.rawBuffer = append(d.rawBuffer, b)
		if b == EndByte {
			inner := d.buffer
			d.state = stateIdle
			payload, err := ParseFrame(inner)
			d.buffer = d.buffer[:0]
			return payload, err
		}
		if len(d.buffer) >= MaxFrameSize {
			d.Reset()
			return nil, fmt.Errorf("buffer overflow: frame exceeds %d bytes", MaxFrameSize)
		}
		d.buffer = append(d.buffer, b)
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}
