// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package warmlink

import (
	"fmt"
	"math"
)

// AnomalyType represents different types of payload anomalies
type AnomalyType int

const (
	AnomalyInvalidSwitch AnomalyType = iota
	AnomalyInvalidFrequency
	AnomalyInvalidTemp
	AnomalyEchoMismatch
)

// ValidationError represents a payload validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateStatus checks a decoded status payload for values the firmware
// should never produce. Anomalies are diagnostic only; sensor faults are
// classified by the hardware model, not here.
func ValidateStatus(p StatusPayload) []ValidationError {
	errors := []ValidationError{}

	switches := []struct {
		name  string
		value byte
	}{
		{"up", p.Up},
		{"down", p.Down},
		{"select", p.Select},
		{"back", p.Back},
		{"pressure1", p.Pressure1},
		{"pressure2", p.Pressure2},
		{"door", p.Door},
	}
	for _, sw := range switches {
		if sw.value > 1 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidSwitch,
				Message: fmt.Sprintf("Invalid %s switch value=%d (expected 0 or 1)", sw.name, sw.value),
				Details: map[string]interface{}{"switch": sw.name, "value": sw.value},
			})
		}
	}

	if p.PWMFrequency < MinFrequencyCode || p.PWMFrequency > MaxFrequencyCode {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidFrequency,
			Message: fmt.Sprintf("Invalid PWM frequency code=%d (valid %d-%d)", p.PWMFrequency, MinFrequencyCode, MaxFrequencyCode),
			Details: map[string]interface{}{"code": p.PWMFrequency, "min": MinFrequencyCode, "max": MaxFrequencyCode},
		})
	}

	for i, v := range p.Channels {
		if v > maxPlausibleCelsius || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Channel %d temperature implausible (%.1f°C, max %.0f°C)", i, v, maxPlausibleCelsius),
				Details: map[string]interface{}{"channel": i, "value": v, "max": maxPlausibleCelsius},
			})
		}
	}

	return errors
}

// ValidateEcho checks that the device echoed the command it answered
func ValidateEcho(p StatusPayload, code byte) *ValidationError {
	if p.Echo == code {
		return nil
	}
	return &ValidationError{
		Type:    AnomalyEchoMismatch,
		Message: fmt.Sprintf("Reply echoes 0x%02X, command was 0x%02X", p.Echo, code),
		Details: map[string]interface{}{"echo": p.Echo, "command": code},
	}
}
