// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortPayload is returned when a status payload is shorter than StatusSize
var ErrShortPayload = errors.New("status payload too short")

// Temperature channel indexes
const (
	ChannelBag1A = iota
	ChannelBag1B
	ChannelBag2A
	ChannelBag2B
)

// StatusPayload is a decoded status reply before calibration.
// Switch bytes are 1 when the switch is on and 0 when off. The door switch
// reads 1 while the door is closed.
type StatusPayload struct {
	Echo byte

	Up     byte
	Down   byte
	Select byte
	Back   byte

	Pressure1 byte
	Pressure2 byte
	Door      byte

	// Raw sensor readings in degrees Celsius, little-endian float32 on the wire
	Channels [ChannelCount]float32

	MotorDuty    byte
	FanPower     byte
	FanDuty      byte
	HeaterDuty   byte
	PWMFrequency byte
}

// IsNack reports whether a decoded payload is a NACK reply
func IsNack(payload []byte, nack byte) bool {
	return len(payload) > 0 && payload[offsetEcho] == nack
}

// ParseStatus decodes a status payload
func ParseStatus(payload []byte) (StatusPayload, error) {
	if len(payload) < StatusSize {
		return StatusPayload{}, fmt.Errorf("%w: %d bytes (expected %d)", ErrShortPayload, len(payload), StatusSize)
	}

	p := StatusPayload{
		Echo:         payload[offsetEcho],
		Up:           payload[offsetUpSwitch],
		Down:         payload[offsetDownSwitch],
		Select:       payload[offsetSelectSwitch],
		Back:         payload[offsetBackSwitch],
		Pressure1:    payload[offsetPressure1],
		Pressure2:    payload[offsetPressure2],
		Door:         payload[offsetDoor],
		MotorDuty:    payload[offsetMotorDuty],
		FanPower:     payload[offsetFanPower],
		FanDuty:      payload[offsetFanDuty],
		HeaterDuty:   payload[offsetHeaterDuty],
		PWMFrequency: payload[offsetPWMFrequency],
	}

	for i := 0; i < ChannelCount; i++ {
		at := offsetChannels + i*4
		p.Channels[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[at : at+4]))
	}

	return p, nil
}

// Bytes encodes the payload in firmware layout
func (p StatusPayload) Bytes() []byte {
	b := make([]byte, StatusSize)

	b[offsetEcho] = p.Echo
	b[offsetUpSwitch] = p.Up
	b[offsetDownSwitch] = p.Down
	b[offsetSelectSwitch] = p.Select
	b[offsetBackSwitch] = p.Back
	b[offsetPressure1] = p.Pressure1
	b[offsetPressure2] = p.Pressure2
	b[offsetDoor] = p.Door

	for i, v := range p.Channels {
		at := offsetChannels + i*4
		binary.LittleEndian.PutUint32(b[at:at+4], math.Float32bits(v))
	}

	b[offsetMotorDuty] = p.MotorDuty
	b[offsetFanPower] = p.FanPower
	b[offsetFanDuty] = p.FanDuty
	b[offsetHeaterDuty] = p.HeaterDuty
	b[offsetPWMFrequency] = p.PWMFrequency

	return b
}
