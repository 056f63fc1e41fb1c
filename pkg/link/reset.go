// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// ResetLine drives the microcontroller's reset input
type ResetLine interface {
	Pulse(hold time.Duration) error
}

// DTRLine resets the microcontroller through the serial DTR line, the way
// USB serial boards wire their reset capacitor
type DTRLine struct {
	port serial.Port
}

// NewDTRLine creates a reset line on the given serial connection
func NewDTRLine(conn *SerialConnection) *DTRLine {
	return &DTRLine{port: conn.Port()}
}

// Pulse asserts DTR, waits hold, then releases it and waits hold again
// for the bootloader to hand over
func (d *DTRLine) Pulse(hold time.Duration) error {
	if err := d.port.SetDTR(true); err != nil {
		return &DeviceError{Op: "reset", Err: err}
	}
	time.Sleep(hold)
	if err := d.port.SetDTR(false); err != nil {
		return &DeviceError{Op: "reset", Err: err}
	}
	time.Sleep(hold)
	return nil
}

// DefaultGPIOPin is the host pin wired to the microcontroller reset
const DefaultGPIOPin = 25

// GPIOLine drives a reset pin through the Linux sysfs GPIO interface.
// The pin is active high.
type GPIOLine struct {
	Pin  int
	Root string // sysfs root, /sys/class/gpio when empty
}

func (g *GPIOLine) root() string {
	if g.Root == "" {
		return "/sys/class/gpio"
	}
	return g.Root
}

func (g *GPIOLine) pinDir() string {
	return filepath.Join(g.root(), "gpio"+strconv.Itoa(g.Pin))
}

// export makes the pin available and configures it as an output
func (g *GPIOLine) export() error {
	if _, err := os.Stat(g.pinDir()); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(g.root(), "export"), []byte(strconv.Itoa(g.Pin)), 0o200); err != nil {
			return fmt.Errorf("export gpio%d: %w", g.Pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(g.pinDir(), "direction"), []byte("out"), 0o200); err != nil {
		return fmt.Errorf("configure gpio%d: %w", g.Pin, err)
	}
	return nil
}

func (g *GPIOLine) write(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return os.WriteFile(filepath.Join(g.pinDir(), "value"), []byte(v), 0o200)
}

// Pulse holds the pin high for hold, then low for hold
func (g *GPIOLine) Pulse(hold time.Duration) error {
	if err := g.export(); err != nil {
		return &DeviceError{Op: "reset", Err: err}
	}
	if err := g.write(true); err != nil {
		return &DeviceError{Op: "reset", Err: err}
	}
	time.Sleep(hold)
	if err := g.write(false); err != nil {
		return &DeviceError{Op: "reset", Err: err}
	}
	time.Sleep(hold)
	return nil
}
