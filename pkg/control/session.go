// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Session is the control state of one warming run. The control task owns
// it; everyone else sees copies inside a Snapshot.
type Session struct {
	RunID    uuid.UUID `json:"run_id"`
	Setpoint float64   `json:"setpoint"`
	Phase    Phase     `json:"phase"`
	Running  bool      `json:"running"`

	ReadyFired bool `json:"ready_fired"`

	HeatStart   time.Time     `json:"heat_start"`
	HeatElapsed time.Duration `json:"heat_elapsed"`
	IncStart    time.Time     `json:"inc_start"`
	IncElapsed  time.Duration `json:"inc_elapsed"`

	LastHeaterDuty uint8 `json:"last_heater_duty"`
}

// Snapshot is what the control task publishes after every tick
type Snapshot struct {
	Time     time.Time            `json:"time"`
	Hardware hardware.State       `json:"hardware"`
	Session  Session              `json:"session"`
	Stats    *warmlink.Statistics `json:"stats,omitempty"`
}

// IncubationRemaining returns the time left in the incubation hold
func (s Snapshot) IncubationRemaining(total time.Duration) time.Duration {
	if s.Session.Phase != PhaseIncubating {
		if s.Session.Phase == PhaseComplete {
			return 0
		}
		return total
	}
	if left := total - s.Session.IncElapsed; left > 0 {
		return left
	}
	return 0
}

// EventKind classifies operator notifications
type EventKind int

const (
	EventPhaseChange EventKind = iota
	EventSafetyWarning
	EventIncubationComplete
	EventFatalFault
)

func (k EventKind) String() string {
	switch k {
	case EventPhaseChange:
		return "phase_change"
	case EventSafetyWarning:
		return "safety_warning"
	case EventIncubationComplete:
		return "incubation_complete"
	case EventFatalFault:
		return "fatal_fault"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// FaultKind identifies the cause of a fatal fault
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultSensor
	FaultDevice
)

func (f FaultKind) String() string {
	switch f {
	case FaultSensor:
		return "sensor"
	case FaultDevice:
		return "device"
	default:
		return "none"
	}
}

// MarshalText encodes the fault by name
func (f FaultKind) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Event is an operator notification
type Event struct {
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Phase   Phase     `json:"phase"`
	Fault   FaultKind `json:"fault"`
	Message string    `json:"message,omitempty"`
	RunID   uuid.UUID `json:"run_id"`
}
