// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import "fmt"

// Opcode identifies a command independently of its numeric wire code
type Opcode int

// Command opcodes
const (
	StatusRequest Opcode = iota
	MotorDutySet
	FanDutySet
	FanPowerSet
	HeaterDutySet
	FrequencySet
)

// String returns the protocol name of the opcode
func (o Opcode) String() string {
	switch o {
	case StatusRequest:
		return "STATUS_REQUEST"
	case MotorDutySet:
		return "MOTOR_DUTY_SET"
	case FanDutySet:
		return "FAN_DUTY_SET"
	case FanPowerSet:
		return "FAN_POWER_SET"
	case HeaterDutySet:
		return "HEATER_DUTY_SET"
	case FrequencySet:
		return "FREQ_SET"
	default:
		return "UNKNOWN"
	}
}

// OpcodeTable maps opcodes to the numeric codes of one firmware build.
// Firmware revisions disagree on numbering, so the table is configuration.
type OpcodeTable struct {
	StatusRequest byte `yaml:"status_request"`
	MotorDutySet  byte `yaml:"motor_duty_set"`
	FanDutySet    byte `yaml:"fan_duty_set"`
	FanPowerSet   byte `yaml:"fan_power_set"`
	HeaterDutySet byte `yaml:"heater_duty_set"`
	FrequencySet  byte `yaml:"frequency_set"`
	Nack          byte `yaml:"nack"`
}

// DefaultOpcodes returns the table of the 19200 baud firmware revision
func DefaultOpcodes() OpcodeTable {
	return OpcodeTable{
		StatusRequest: 0x07,
		MotorDutySet:  0x08,
		FanDutySet:    0x09,
		FanPowerSet:   0x0A,
		HeaterDutySet: 0x0B,
		FrequencySet:  0x0C,
		Nack:          NackByte,
	}
}

// Code returns the wire code for an opcode
func (t OpcodeTable) Code(op Opcode) byte {
	switch op {
	case MotorDutySet:
		return t.MotorDutySet
	case FanDutySet:
		return t.FanDutySet
	case FanPowerSet:
		return t.FanPowerSet
	case HeaterDutySet:
		return t.HeaterDutySet
	case FrequencySet:
		return t.FrequencySet
	default:
		return t.StatusRequest
	}
}

// Lookup returns the opcode for a wire code
func (t OpcodeTable) Lookup(code byte) (Opcode, bool) {
	for _, op := range []Opcode{StatusRequest, MotorDutySet, FanDutySet, FanPowerSet, HeaterDutySet, FrequencySet} {
		if t.Code(op) == code {
			return op, true
		}
	}
	return 0, false
}

// Validate checks that every opcode has a distinct code that is not a
// control byte or the NACK sentinel
func (t OpcodeTable) Validate() error {
	seen := make(map[byte]Opcode)
	for _, op := range []Opcode{StatusRequest, MotorDutySet, FanDutySet, FanPowerSet, HeaterDutySet, FrequencySet} {
		code := t.Code(op)
		if isControl(code) || code == t.Nack {
			return fmt.Errorf("opcode %s uses reserved byte 0x%02X", op, code)
		}
		if prev, ok := seen[code]; ok {
			return fmt.Errorf("opcodes %s and %s share code 0x%02X", prev, op, code)
		}
		seen[code] = op
	}
	return nil
}

// Command is a single request to the device. Every command is answered
// with a full status payload.
type Command struct {
	Op    Opcode
	Value uint8
}

// String formats the command for logs
func (c Command) String() string {
	return fmt.Sprintf("%s(%d)", c.Op, c.Value)
}

// Frame encodes the command to wire format using the given table
func (t OpcodeTable) Frame(c Command) []byte {
	return BuildFrame(t.Code(c.Op), c.Value)
}

// NewStatusRequest creates a STATUS_REQUEST command
func NewStatusRequest() Command {
	return Command{Op: StatusRequest}
}

// NewMotorDuty creates a MOTOR_DUTY_SET command (duty 0-255)
func NewMotorDuty(duty uint8) Command {
	return Command{Op: MotorDutySet, Value: duty}
}

// NewFanDuty creates a FAN_DUTY_SET command (duty 0-255)
func NewFanDuty(duty uint8) Command {
	return Command{Op: FanDutySet, Value: duty}
}

// NewFanPower creates a FAN_POWER_SET command
func NewFanPower(value uint8) Command {
	return Command{Op: FanPowerSet, Value: value}
}

// NewHeaterDuty creates a HEATER_DUTY_SET command (duty 0-255)
func NewHeaterDuty(duty uint8) Command {
	return Command{Op: HeaterDutySet, Value: duty}
}

// NewFrequency creates a FREQ_SET command.
// Codes 11-15 are accepted by the firmware; the value is not range checked here.
func NewFrequency(code uint8) Command {
	return Command{Op: FrequencySet, Value: code}
}
