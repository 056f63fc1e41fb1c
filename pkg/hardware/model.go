// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hardware turns decoded status replies into calibrated, smoothed
// and fault-checked hardware state.
package hardware

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

var (
	// ErrCommandRejected is returned for a NACK reply
	ErrCommandRejected = errors.New("command rejected by device")
	// ErrSensorFault is returned when a temperature channel reads negative
	// or not a number
	ErrSensorFault = errors.New("temperature sensor fault")
)

// DefaultDivergence is the bag temperature difference above which the
// cooler bag is taken as the reference
const DefaultDivergence = 1.0

// Calibration holds per-channel offsets subtracted from raw readings
type Calibration [warmlink.ChannelCount]float64

// DefaultCalibration returns the offsets of the production sensor set
func DefaultCalibration() Calibration {
	return Calibration{-0.1, -0.2, -0.1, -0.2}
}

// Apply returns calibrated readings
func (c Calibration) Apply(raw [warmlink.ChannelCount]float32) [warmlink.ChannelCount]float64 {
	var out [warmlink.ChannelCount]float64
	for i, v := range raw {
		out[i] = float64(v) - c[i]
	}
	return out
}

// Config configures a Model
type Config struct {
	Calibration Calibration
	WindowSize  int
	Divergence  float64
	Nack        byte
}

// DefaultConfig returns the production model configuration
func DefaultConfig() Config {
	return Config{
		Calibration: DefaultCalibration(),
		WindowSize:  DefaultWindowSize,
		Divergence:  DefaultDivergence,
		Nack:        warmlink.NackByte,
	}
}

// Model owns calibration and smoothing state. It is not safe for concurrent
// use; the control loop is its only caller.
type Model struct {
	cfg   Config
	bag1  *Window
	bag2  *Window
	state State
	now   func() time.Time
}

// NewModel creates a model with empty windows
func NewModel(cfg Config) *Model {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Divergence <= 0 {
		cfg.Divergence = DefaultDivergence
	}
	return &Model{
		cfg:  cfg,
		bag1: NewWindow(cfg.WindowSize),
		bag2: NewWindow(cfg.WindowSize),
		now:  time.Now,
	}
}

// Apply interprets a decoded status payload.
//
// Only a complete, non-NACK payload with plausible readings changes the
// model. A sensor fault sets the sticky fault flag and leaves the windows
// untouched.
func (m *Model) Apply(payload []byte) (State, error) {
	if warmlink.IsNack(payload, m.cfg.Nack) {
		return m.state, ErrCommandRejected
	}

	status, err := warmlink.ParseStatus(payload)
	if err != nil {
		return m.state, err
	}

	for i, v := range status.Channels {
		f := float64(v)
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			m.state.Fault = true
			return m.state, fmt.Errorf("%w: channel %d reads %.2f", ErrSensorFault, i, v)
		}
	}

	channels := m.cfg.Calibration.Apply(status.Channels)
	bag1 := m.bag1.Push((channels[warmlink.ChannelBag1A] + channels[warmlink.ChannelBag1B]) / 2)
	bag2 := m.bag2.Push((channels[warmlink.ChannelBag2A] + channels[warmlink.ChannelBag2B]) / 2)

	m.state = State{
		Time: m.now(),
		Switches: Switches{
			Up:         status.Up != 0,
			Down:       status.Down != 0,
			Select:     status.Select != 0,
			Back:       status.Back != 0,
			Pressure1:  status.Pressure1 != 0,
			Pressure2:  status.Pressure2 != 0,
			DoorClosed: status.Door != 0,
		},
		Outputs:  OutputsOf(status),
		Channels: channels,
		Bag1:     bag1,
		Bag2:     bag2,
		Average:  m.reference(bag1, bag2),
		Samples:  m.state.Samples + 1,
		Fault:    m.state.Fault,
	}

	return m.state, nil
}

// reference picks the regulated temperature. A bag reading far above the
// other is taken to be an empty slot, so the cooler one wins.
func (m *Model) reference(bag1, bag2 float64) float64 {
	if math.Abs(bag1-bag2) > m.cfg.Divergence {
		return math.Min(bag1, bag2)
	}
	return (bag1 + bag2) / 2
}

// State returns the latest snapshot
func (m *Model) State() State {
	return m.state
}

// Faulted reports whether a sensor fault has been seen since the last clear
func (m *Model) Faulted() bool {
	return m.state.Fault
}

// ClearFault clears the sticky fault flag
func (m *Model) ClearFault() {
	m.state.Fault = false
}

// Reset clears the fault flag and both windows
func (m *Model) Reset() {
	m.bag1.Reset()
	m.bag2.Reset()
	m.state = State{}
}

// Windows returns copies of both bags' readings, oldest first
func (m *Model) Windows() ([]float64, []float64) {
	return m.bag1.Values(), m.bag2.Values()
}
