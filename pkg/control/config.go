// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"math"
	"time"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Config holds control constants. Defaults match the production unit.
type Config struct {
	Period time.Duration

	ProportionalGain float64
	MotorRunDuty     uint8
	FanHeatDuty      uint8
	FanPowerOn       uint8
	FanPowerOff      uint8
	PWMFrequency     uint8

	Incubation time.Duration
	ReadyBand  float64

	DefaultSetpoint float64
	MinSetpoint     float64
	MaxSetpoint     float64
	SetpointStep    float64

	ResetHold time.Duration
	QueueSize int
}

// DefaultConfig returns the production control constants
func DefaultConfig() Config {
	return Config{
		Period:           30 * time.Millisecond,
		ProportionalGain: 255,
		MotorRunDuty:     0xC0,
		FanHeatDuty:      0xFF,
		FanPowerOn:       1,
		FanPowerOff:      0,
		PWMFrequency:     warmlink.DefaultFrequency,
		Incubation:       time.Hour,
		ReadyBand:        0.5,
		DefaultSetpoint:  37.0,
		MinSetpoint:      37.0,
		MaxSetpoint:      41.0,
		SetpointStep:     0.1,
		ResetHold:        2 * time.Second,
		QueueSize:        16,
	}
}

// ClampSetpoint limits t to the accepted setpoint range. A NaN maps to
// the minimum.
func (c Config) ClampSetpoint(t float64) float64 {
	if t < c.MinSetpoint || math.IsNaN(t) {
		return c.MinSetpoint
	}
	if t > c.MaxSetpoint {
		return c.MaxSetpoint
	}
	return t
}

// HeaterDuty computes the proportional heater duty for the current error.
// A reading above the setpoint gives zero; the result saturates at 255.
func HeaterDuty(setpoint, average, gain float64) uint8 {
	err := setpoint - average
	if !(err > 0) {
		return 0
	}
	duty := err * gain
	if duty >= 255 {
		return 255
	}
	return uint8(duty)
}
