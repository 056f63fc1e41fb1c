// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package warmlink implements the serial framing protocol spoken by the
// blood warmer's microcontroller.
//
// A frame is BEGIN, an escape-encoded command or status body, a CRC-8
// (Dallas/Maxim) checksum computed over the encoded body, and END. The
// controller sends two-byte commands [opcode, value]; the device answers
// every command with a full status payload, or a NACK.
package warmlink

// Protocol framing bytes
const (
	BeginByte = 0x02
	EndByte   = 0x03
	EscByte   = 0x1B
	EscMask   = 0x80
)

// Reply sentinels
const (
	AckByte  = 0x06
	NackByte = 0x15
)

// Frame size limits
const (
	MaxFrameSize = 128
	StatusSize   = 29
	CommandSize  = 2
	ChannelCount = 4
)

// CRC-8 Dallas/Maxim configuration (reflected polynomial, LSB first)
const (
	crcPolynomial = 0x8C
	crcInitial    = 0x00
)

// Status payload byte offsets
const (
	offsetEcho         = 0
	offsetUpSwitch     = 1
	offsetDownSwitch   = 2
	offsetSelectSwitch = 3
	offsetBackSwitch   = 4
	offsetPressure1    = 5
	offsetPressure2    = 6
	offsetDoor         = 7
	offsetChannels     = 8
	offsetMotorDuty    = 24
	offsetFanPower     = 25
	offsetFanDuty      = 26
	offsetHeaterDuty   = 27
	offsetPWMFrequency = 28
)

// PWM frequency codes accepted by FrequencySet
const (
	FrequencyCode31kHz  = 11 // 31.250 kHz
	FrequencyCode3kHz   = 12 // 3.906 kHz
	FrequencyCode488Hz  = 13
	FrequencyCode122Hz  = 14
	FrequencyCode30Hz   = 15 // 30.5 Hz
	MinFrequencyCode    = FrequencyCode31kHz
	MaxFrequencyCode    = FrequencyCode30Hz
	DefaultFrequency    = FrequencyCode30Hz
	maxPlausibleCelsius = 60.0
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateBody
)
