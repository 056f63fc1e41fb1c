// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package simulator

import "github.com/Thermoquad/bagwarmer/pkg/warmlink"

// SetDoor opens or closes the door switch
func (d *Device) SetDoor(closed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Door = boolByte(closed)
}

// SetPressure sets the two pressure switches
func (d *Device) SetPressure(p1, p2 bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Pressure1 = boolByte(p1)
	d.status.Pressure2 = boolByte(p2)
}

// Press reports a front-panel button as held in the next status reply
func (d *Device) Press(b Button) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pressed[b] = true
}

// SetBagTemperatures sets the true bag temperatures
func (d *Device) SetBagTemperatures(bag1, bag2 float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bag = [2]float64{bag1, bag2}
}

// BagTemperatures returns the true bag temperatures
func (d *Device) BagTemperatures() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bag[0], d.bag[1]
}

// SetNegativeChannel makes a channel read negative, as a disconnected
// sensor does. Pass -1 to clear.
func (d *Device) SetNegativeChannel(ch int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.negative = ch
}

// SetChannelValue forces the first channel to an arbitrary raw value
func (d *Device) SetChannelValue(v float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalid = v
	d.hasValue = true
}

// ClearChannelValue stops forcing the first channel
func (d *Device) ClearChannelValue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasValue = false
}

// SetNack makes the firmware reject every command
func (d *Device) SetNack(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nack = on
}

// SetCorrupt corrupts the checksum of every reply
func (d *Device) SetCorrupt(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt = on
}

// SetSilent stops the firmware from replying
func (d *Device) SetSilent(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = on
}

// Fail closes the port as if the device was unplugged
func (d *Device) Fail() {
	d.Close()
}

// Commands returns every command received so far
func (d *Device) Commands() []warmlink.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]warmlink.Command(nil), d.commands...)
}

// ClearCommands forgets received commands
func (d *Device) ClearCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}

// Outputs returns the current actuator state
func (d *Device) Outputs() warmlink.StatusPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
