// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import "fmt"

// Phase is the warming cycle state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHeating
	PhaseIncubating
	PhaseComplete
	PhaseDoorFault
	PhaseSensorFault
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseHeating:
		return "HEATING"
	case PhaseIncubating:
		return "INCUBATING"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseDoorFault:
		return "DOOR_FAULT"
	case PhaseSensorFault:
		return "SENSOR_FAULT"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether the phase needs a stop before the next start
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseDoorFault || p == PhaseSensorFault
}

// Active reports whether the phase drives the heater toward the setpoint
func (p Phase) Active() bool {
	return p == PhaseHeating || p == PhaseIncubating
}
