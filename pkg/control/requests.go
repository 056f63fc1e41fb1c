// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrQueueFull is returned when operator requests arrive faster than ticks
	ErrQueueFull = errors.New("request queue full")
	// ErrNotRunning is returned for requests after the controller stopped
	ErrNotRunning = errors.New("controller not running")
	// ErrInvalidSetpoint is returned for a setpoint that is not a finite number
	ErrInvalidSetpoint = errors.New("invalid setpoint")
)

type requestKind int

const (
	requestSetTarget requestKind = iota
	requestStart
	requestStop
)

type request struct {
	kind    requestKind
	target  float64
	restart bool
}

func (c *Controller) enqueue(r request) error {
	if c.stopped.Load() {
		return ErrNotRunning
	}
	select {
	case c.requests <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// SetTarget requests a new setpoint. Values outside the accepted range are
// clamped; NaN and infinities are rejected. Applied at the start of the
// next tick.
func (c *Controller) SetTarget(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSetpoint, t)
	}
	return c.enqueue(request{kind: requestSetTarget, target: t})
}

// RequestStart requests the start of a warming run
func (c *Controller) RequestStart() error {
	return c.enqueue(request{kind: requestStart})
}

// RequestStop requests all outputs off and a return to Idle. With restart
// the sensor fault is cleared and the run timers start over.
func (c *Controller) RequestStop(restart bool) error {
	return c.enqueue(request{kind: requestStop, restart: restart})
}

// drainRequests applies every queued request in arrival order
func (c *Controller) drainRequests() error {
	for {
		select {
		case r := <-c.requests:
			if err := c.apply(r); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Controller) apply(r request) error {
	switch r.kind {
	case requestSetTarget:
		c.session.Setpoint = c.cfg.ClampSetpoint(r.target)
		c.log.Info().Float64("setpoint", c.session.Setpoint).Msg("Setpoint changed")
		return nil
	case requestStart:
		return c.start()
	case requestStop:
		return c.stop(r.restart)
	}
	return nil
}
