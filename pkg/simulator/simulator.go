// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package simulator emulates the warmer's microcontroller firmware behind a
// byte-level connection. It answers command frames with status frames,
// drives a simple thermal model and can inject the faults seen on real
// hardware.
package simulator

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// ErrPortClosed is returned after the simulated port failed or was closed
var ErrPortClosed = errors.New("simulated port closed")

// Thermal model constants
const (
	DefaultAmbient = 21.0
	heatRate       = 0.05  // °C/s at full heater duty with the fan on
	lossRate       = 0.002 // fraction of the difference to ambient lost per second
	bag2Efficiency = 0.9
)

// Sensor offsets the firmware reports on top of the true temperature.
// They are the negation of the host's calibration offsets.
var sensorBias = [warmlink.ChannelCount]float64{-0.1, -0.2, -0.1, -0.2}

// Button identifies a front-panel button
type Button int

const (
	ButtonUp Button = iota
	ButtonDown
	ButtonSelect
	ButtonBack
)

// Options configures a Device
type Options struct {
	Opcodes warmlink.OpcodeTable
	Ambient float64
	// Step advances the thermal model by a fixed amount per status reply.
	// When zero the model follows wall-clock time.
	Step time.Duration
	// Speed multiplies elapsed time in the thermal model
	Speed float64
}

// Device is a simulated warmer implementing link.Connection
type Device struct {
	opts Options

	mu       sync.Mutex
	decoder  *warmlink.Decoder
	out      []byte
	ready    chan struct{}
	closed   bool
	lastStep time.Time

	status   warmlink.StatusPayload
	bag      [2]float64
	pressed  [4]bool
	commands []warmlink.Command

	nack     bool
	corrupt  bool
	silent   bool
	negative int
	invalid  float32
	hasValue bool
}

// New creates a simulated device at ambient temperature with the door closed
func New(opts Options) *Device {
	if opts.Opcodes == (warmlink.OpcodeTable{}) {
		opts.Opcodes = warmlink.DefaultOpcodes()
	}
	if opts.Ambient == 0 {
		opts.Ambient = DefaultAmbient
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}

	d := &Device{
		opts:     opts,
		decoder:  warmlink.NewDecoder(),
		ready:    make(chan struct{}, 1),
		negative: -1,
		bag:      [2]float64{opts.Ambient, opts.Ambient},
	}
	d.status.Door = 1
	d.status.Pressure1 = 1
	d.status.Pressure2 = 1
	d.status.PWMFrequency = warmlink.DefaultFrequency
	return d
}

//////////////////////////////////////////////////////////////
// link.Connection
//////////////////////////////////////////////////////////////

// Write feeds command bytes to the simulated firmware
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrPortClosed
	}

	for _, b := range p {
		payload, err := d.decoder.DecodeByte(b)
		if err != nil {
			log.Debug().Err(err).Msg("Simulator dropped frame")
			continue
		}
		if payload != nil {
			d.handle(payload)
		}
	}

	return len(p), nil
}

// ReadTimeout returns pending reply bytes, waiting at most timeout
func (d *Device) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrPortClosed
		}
		if len(d.out) > 0 {
			n := copy(p, d.out)
			d.out = d.out[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-d.ready:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Flush discards unread reply bytes
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrPortClosed
	}
	d.out = nil
	return nil
}

// Close closes the simulated port
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.signal()
	return nil
}

func (d *Device) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

//////////////////////////////////////////////////////////////
// Firmware
//////////////////////////////////////////////////////////////

// handle applies one command and queues the reply. Caller holds d.mu.
func (d *Device) handle(payload []byte) {
	if len(payload) < warmlink.CommandSize {
		d.reply([]byte{d.opts.Opcodes.Nack})
		return
	}

	code, value := payload[0], payload[1]
	op, ok := d.opts.Opcodes.Lookup(code)
	if !ok {
		d.reply([]byte{d.opts.Opcodes.Nack})
		return
	}
	d.commands = append(d.commands, warmlink.Command{Op: op, Value: value})

	if d.nack {
		d.reply([]byte{d.opts.Opcodes.Nack})
		return
	}

	switch op {
	case warmlink.MotorDutySet:
		d.status.MotorDuty = value
	case warmlink.FanDutySet:
		d.status.FanDuty = value
	case warmlink.FanPowerSet:
		d.status.FanPower = value
	case warmlink.HeaterDutySet:
		d.status.HeaterDuty = value
	case warmlink.FrequencySet:
		if value < warmlink.MinFrequencyCode || value > warmlink.MaxFrequencyCode {
			d.reply([]byte{d.opts.Opcodes.Nack})
			return
		}
		d.status.PWMFrequency = value
	}

	d.advance()
	d.reply(d.snapshot(code).Bytes())
}

// advance steps the thermal model. Heat reaches the bags only while the
// fan circulates air.
func (d *Device) advance() {
	now := time.Now()
	dt := d.opts.Step.Seconds()
	if d.opts.Step == 0 {
		if d.lastStep.IsZero() {
			d.lastStep = now
		}
		dt = now.Sub(d.lastStep).Seconds()
		d.lastStep = now
	}
	dt *= d.opts.Speed

	power := 0.0
	if d.status.FanPower != 0 {
		power = float64(d.status.HeaterDuty) / 255.0
	}

	for i := range d.bag {
		gain := heatRate * power
		if i == 1 {
			gain *= bag2Efficiency
		}
		d.bag[i] += (gain - lossRate*(d.bag[i]-d.opts.Ambient)) * dt
	}
}

// snapshot builds the status payload for a reply. Button presses are
// reported once.
func (d *Device) snapshot(echo byte) warmlink.StatusPayload {
	s := d.status
	s.Echo = echo

	s.Up = boolByte(d.pressed[ButtonUp])
	s.Down = boolByte(d.pressed[ButtonDown])
	s.Select = boolByte(d.pressed[ButtonSelect])
	s.Back = boolByte(d.pressed[ButtonBack])
	d.pressed = [4]bool{}

	for i := range s.Channels {
		s.Channels[i] = float32(d.bag[i/2] + sensorBias[i])
	}
	if d.negative >= 0 && d.negative < warmlink.ChannelCount {
		s.Channels[d.negative] = -1
	}
	if d.hasValue {
		s.Channels[0] = d.invalid
	}

	return s
}

// reply frames payload into the output queue. Caller holds d.mu.
func (d *Device) reply(payload []byte) {
	if d.silent {
		return
	}

	frame := warmlink.Frame(payload)
	if d.corrupt {
		// Flip the low bit of the checksum, which stays clear of BEGIN and END
		frame[len(frame)-2] ^= 0x01
	}

	d.out = append(d.out, frame...)
	d.signal()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
