// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hardware

import (
	"time"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Switches mirrors the discrete inputs of the latest valid status
type Switches struct {
	Up     bool `json:"up"`
	Down   bool `json:"down"`
	Select bool `json:"select"`
	Back   bool `json:"back"`

	Pressure1  bool `json:"pressure1"`
	Pressure2  bool `json:"pressure2"`
	DoorClosed bool `json:"door_closed"`
}

// Outputs mirrors the actuator state echoed by the device
type Outputs struct {
	MotorDuty    uint8 `json:"motor_duty"`
	FanPower     uint8 `json:"fan_power"`
	FanDuty      uint8 `json:"fan_duty"`
	HeaterDuty   uint8 `json:"heater_duty"`
	PWMFrequency uint8 `json:"pwm_frequency"`
}

// OutputsOf returns the actuator echo carried by a status payload
func OutputsOf(p warmlink.StatusPayload) Outputs {
	return Outputs{
		MotorDuty:    p.MotorDuty,
		FanPower:     p.FanPower,
		FanDuty:      p.FanDuty,
		HeaterDuty:   p.HeaterDuty,
		PWMFrequency: p.PWMFrequency,
	}
}

// State is an immutable snapshot of the hardware. Temperatures are in
// degrees Celsius.
type State struct {
	Time     time.Time `json:"time"`
	Switches Switches  `json:"switches"`
	Outputs  Outputs   `json:"outputs"`

	// Calibrated readings of the latest status, per channel
	Channels [warmlink.ChannelCount]float64 `json:"channels"`

	// Smoothed per-bag temperatures
	Bag1 float64 `json:"bag1"`
	Bag2 float64 `json:"bag2"`

	// Reference temperature the controller regulates
	Average float64 `json:"average"`

	// Number of valid statuses applied since the last reset
	Samples uint64 `json:"samples"`

	Fault bool `json:"fault"`
}

// Valid reports whether the snapshot holds at least one applied status
func (s State) Valid() bool {
	return s.Samples > 0
}
