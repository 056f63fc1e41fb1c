// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package control drives the warming cycle: it polls the hardware at a
// fixed period, regulates the heater, walks the phase machine and enforces
// the door and sensor interlocks.
//
// The control task exclusively owns the link, the hardware model and the
// session. Operator requests are queued and applied at the next tick;
// snapshots and events flow out through subscriptions that never block
// the loop.
package control

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Sender performs one command exchange with the device
type Sender interface {
	SendCommand(cmd warmlink.Command) ([]byte, error)
}

// statsSource is implemented by senders that keep exchange statistics
type statsSource interface {
	Statistics() warmlink.Statistics
}

// offAttempts bounds how often one off command is sent before the loop
// moves on; outputs still reported on are resent on later ticks
const offAttempts = 3

// Recorder receives a snapshot on every tick of a running session
type Recorder interface {
	Record(Snapshot) error
}

// Controller runs the control loop
type Controller struct {
	cfg   Config
	link  Sender
	model *hardware.Model
	now   func() time.Time
	log   zerolog.Logger

	resetLine link.ResetLine
	recorders []Recorder

	requests chan request
	stopped  atomic.Bool

	// Owned by the control task
	session Session
	state   hardware.State
	buttons hardware.Switches
	sent    bool
	fresh   bool

	// Actuator echo of the latest verified status, including replies the
	// model rejected as a sensor fault
	echo    hardware.Outputs
	hasEcho bool
	echoed  bool

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	latestMu sync.RWMutex
	latest   Snapshot
	hasState bool
}

// Option configures a Controller
type Option func(*Controller)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithResetLine pulses line before initializing the device
func WithResetLine(line link.ResetLine) Option {
	return func(c *Controller) { c.resetLine = line }
}

// WithRecorder adds a per-tick recorder
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorders = append(c.recorders, r) }
}

// New creates a controller in Idle at the default setpoint
func New(sender Sender, model *hardware.Model, cfg Config, opts ...Option) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	c := &Controller{
		cfg:      cfg,
		link:     sender,
		model:    model,
		now:      time.Now,
		log:      log.With().Str("component", "control").Logger(),
		requests: make(chan request, cfg.QueueSize),
		subs:     make(map[*Subscription]struct{}),
	}
	c.session.Setpoint = cfg.ClampSetpoint(cfg.DefaultSetpoint)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

//////////////////////////////////////////////////////////////
// Lifecycle
//////////////////////////////////////////////////////////////

// Initialize resets the device when a reset line is configured, then puts
// every output in its off state and selects the PWM frequency.
func (c *Controller) Initialize() error {
	if c.resetLine != nil {
		c.log.Info().Dur("hold", c.cfg.ResetHold).Msg("Resetting device")
		if err := c.resetLine.Pulse(c.cfg.ResetHold); err != nil {
			return err
		}
	}

	cmds := []warmlink.Command{
		warmlink.NewMotorDuty(0),
		warmlink.NewFanDuty(0),
		warmlink.NewFanPower(c.cfg.FanPowerOff),
		warmlink.NewHeaterDuty(0),
		warmlink.NewFrequency(c.cfg.PWMFrequency),
	}
	for _, cmd := range cmds {
		if _, err := c.send(cmd); err != nil {
			if err := c.fail(err); err != nil {
				return err
			}
		}
	}

	c.publish(c.now())
	return nil
}

// Run initializes the device and ticks until ctx is done or the device is
// lost. Cancellation takes effect between ticks; an exchange in flight
// always completes. Subscriptions are closed on return.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	if err := c.Initialize(); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.forceOff(); err != nil {
				c.log.Error().Err(err).Msg("Outputs not turned off")
			}
			c.log.Info().Msg("Control loop stopped")
			return nil
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) shutdown() {
	c.stopped.Store(true)
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for sub := range c.subs {
		sub.close()
		delete(c.subs, sub)
	}
}

//////////////////////////////////////////////////////////////
// Tick
//////////////////////////////////////////////////////////////

// Tick runs one control period. It returns an error only when the device
// is lost; every other failure is absorbed or handled as a fault.
func (c *Controller) Tick() error {
	now := c.now()
	c.sent = false
	c.fresh = false

	if err := c.drainRequests(); err != nil {
		if err := c.fail(err); err != nil {
			return err
		}
	}

	if !c.sent {
		next := warmlink.NewStatusRequest()
		if off, ok := c.pendingOff(); ok {
			c.log.Warn().Str("opcode", off.Op.String()).Msg("Output still on while stopped, resending off")
			next = off
		}
		if _, err := c.send(next); err != nil {
			if err := c.fail(err); err != nil {
				return err
			}
		}
	}

	if c.fresh {
		c.watchButtons()
		if err := c.step(now); err != nil {
			if err := c.fail(err); err != nil {
				return err
			}
		}
	}

	c.publish(now)
	return nil
}

// step evaluates interlocks, transitions and heater duty on fresh state
func (c *Controller) step(now time.Time) error {
	s := &c.session
	if !s.Running {
		return nil
	}

	if !c.state.Switches.DoorClosed {
		switch {
		case s.Phase.Active():
			if err := c.forceOff(); err != nil {
				return err
			}
			s.Running = false
			c.setPhase(PhaseDoorFault, now)
			c.log.Warn().Msg("Door opened during warming, outputs off")
			c.emit(Event{Kind: EventSafetyWarning, Time: now, Message: "door open"})
			return nil
		case s.Phase == PhaseComplete:
			// Bags are being removed after completion
			s.Running = false
			return c.forceOff()
		}
	}

	s.HeatElapsed = now.Sub(s.HeatStart)
	if s.Phase == PhaseIncubating {
		s.IncElapsed = now.Sub(s.IncStart)
	}

	if c.transition(now) {
		return nil
	}

	duty := HeaterDuty(s.Setpoint, c.state.Average, c.cfg.ProportionalGain)
	if duty == s.LastHeaterDuty {
		return nil
	}
	ok, err := c.send(warmlink.NewHeaterDuty(duty))
	if err != nil {
		return err
	}
	if ok {
		s.LastHeaterDuty = duty
	}
	return nil
}

// transition applies at most one phase change and reports whether it did
func (c *Controller) transition(now time.Time) bool {
	s := &c.session
	diff := math.Abs(s.Setpoint - c.state.Average)

	switch s.Phase {
	case PhaseHeating:
		if diff <= c.cfg.ReadyBand {
			s.IncStart = now
			s.IncElapsed = 0
			s.ReadyFired = false
			c.setPhase(PhaseIncubating, now)
			return true
		}
	case PhaseIncubating:
		if diff > c.cfg.ReadyBand {
			s.IncElapsed = 0
			c.setPhase(PhaseHeating, now)
			return true
		}
		if s.IncElapsed >= c.cfg.Incubation && !s.ReadyFired {
			s.ReadyFired = true
			c.setPhase(PhaseComplete, now)
			c.log.Info().Dur("incubation", s.IncElapsed).Msg("Incubation complete")
			c.emit(Event{Kind: EventIncubationComplete, Time: now})
			return true
		}
	}
	return false
}

//////////////////////////////////////////////////////////////
// Operator actions
//////////////////////////////////////////////////////////////

func (c *Controller) start() error {
	s := &c.session
	now := c.now()

	switch {
	case s.Running:
		return nil
	case s.Phase.Terminal():
		c.log.Warn().Str("phase", s.Phase.String()).Msg("Start refused, stop with restart first")
		return nil
	case c.model.Faulted():
		c.log.Warn().Msg("Start refused, sensor fault not cleared")
		return nil
	case !c.state.Switches.DoorClosed:
		c.log.Warn().Msg("Start refused, door open")
		c.emit(Event{Kind: EventSafetyWarning, Time: now, Message: "door open"})
		return nil
	}

	cmds := []warmlink.Command{
		warmlink.NewMotorDuty(c.cfg.MotorRunDuty),
		warmlink.NewFanPower(c.cfg.FanPowerOn),
		warmlink.NewFanDuty(c.cfg.FanHeatDuty),
	}
	for _, cmd := range cmds {
		if _, err := c.send(cmd); err != nil {
			return err
		}
	}

	if s.RunID == uuid.Nil {
		s.RunID = uuid.New()
	}
	s.Running = true
	s.HeatStart = now.Add(-s.HeatElapsed)
	s.IncElapsed = 0
	c.log = log.With().Str("component", "control").Str("run", s.RunID.String()).Logger()
	c.setPhase(PhaseHeating, now)
	return nil
}

func (c *Controller) stop(restart bool) error {
	s := &c.session
	now := c.now()

	if err := c.forceOff(); err != nil {
		return err
	}
	s.Running = false

	if restart {
		c.model.ClearFault()
		s.RunID = uuid.Nil
		s.ReadyFired = false
		s.HeatStart = time.Time{}
		s.HeatElapsed = 0
		s.IncStart = time.Time{}
		s.IncElapsed = 0
		c.log = log.With().Str("component", "control").Logger()
	}

	c.setPhase(PhaseIdle, now)
	return nil
}

// forceOff turns motor, fan and heater off in that order. Each command is
// repeated until the device echoes the output off, up to offAttempts.
// Only device loss is returned; outputs left unconfirmed are corrected by
// later ticks.
func (c *Controller) forceOff() error {
	for _, cmd := range c.offCommands() {
		ok, err := c.sendUntilOff(cmd)
		if err != nil {
			return err
		}
		if !ok {
			c.log.Warn().Str("opcode", cmd.Op.String()).Msg("Output not confirmed off")
			continue
		}
		if cmd.Op == warmlink.HeaterDutySet {
			c.session.LastHeaterDuty = 0
		}
	}
	return nil
}

func (c *Controller) offCommands() []warmlink.Command {
	return []warmlink.Command{
		warmlink.NewMotorDuty(0),
		warmlink.NewFanPower(c.cfg.FanPowerOff),
		warmlink.NewHeaterDuty(0),
	}
}

// sendUntilOff sends cmd until the echoed output confirms it
func (c *Controller) sendUntilOff(cmd warmlink.Command) (bool, error) {
	for i := 0; i < offAttempts; i++ {
		c.echoed = false
		if _, err := c.send(cmd); err != nil && !errors.Is(err, hardware.ErrSensorFault) {
			return false, err
		}
		if c.echoed && c.isOff(cmd.Op) {
			return true, nil
		}
	}
	return false, nil
}

// isOff reports whether the echoed output driven by op is in its off state
func (c *Controller) isOff(op warmlink.Opcode) bool {
	switch op {
	case warmlink.MotorDutySet:
		return c.echo.MotorDuty == 0
	case warmlink.FanPowerSet:
		return c.echo.FanPower == c.cfg.FanPowerOff
	case warmlink.HeaterDutySet:
		return c.echo.HeaterDuty == 0
	}
	return true
}

// pendingOff returns the off command for the first output the device still
// reports on while no run is active
func (c *Controller) pendingOff() (warmlink.Command, bool) {
	if c.session.Running || !c.hasEcho {
		return warmlink.Command{}, false
	}
	for _, cmd := range c.offCommands() {
		if !c.isOff(cmd.Op) {
			return cmd, true
		}
	}
	return warmlink.Command{}, false
}

// watchButtons turns front-panel button presses into queued requests
func (c *Controller) watchButtons() {
	prev, cur := c.buttons, c.state.Switches
	c.buttons = cur
	s := c.session

	var reqs []request
	if cur.Up && !prev.Up {
		reqs = append(reqs, request{kind: requestSetTarget, target: s.Setpoint + c.cfg.SetpointStep})
	}
	if cur.Down && !prev.Down {
		reqs = append(reqs, request{kind: requestSetTarget, target: s.Setpoint - c.cfg.SetpointStep})
	}
	if cur.Select && !prev.Select {
		if s.Running {
			reqs = append(reqs, request{kind: requestStop})
		} else {
			reqs = append(reqs, request{kind: requestStart})
		}
	}
	if cur.Back && !prev.Back && s.Phase.Terminal() {
		reqs = append(reqs, request{kind: requestStop, restart: true})
	}

	for _, r := range reqs {
		if err := c.enqueue(r); err != nil {
			c.log.Warn().Err(err).Msg("Button press dropped")
		}
	}
}

//////////////////////////////////////////////////////////////
// Exchange and faults
//////////////////////////////////////////////////////////////

// send performs one exchange and applies the reply. It reports whether the
// hardware state was updated. Timeouts, checksum errors, NACKs and short
// payloads are absorbed. A sensor fault or device loss is returned.
func (c *Controller) send(cmd warmlink.Command) (bool, error) {
	c.sent = true

	payload, err := c.link.SendCommand(cmd)
	if err != nil {
		if link.IsDeviceError(err) {
			return false, err
		}
		c.log.Debug().Str("opcode", cmd.Op.String()).Uint8("value", cmd.Value).Err(err).Msg("Exchange absorbed")
		return false, nil
	}

	if status, err := warmlink.ParseStatus(payload); err == nil {
		c.echo = hardware.OutputsOf(status)
		c.hasEcho = true
		c.echoed = true
	}

	state, err := c.model.Apply(payload)
	if err != nil {
		if errors.Is(err, hardware.ErrSensorFault) {
			return false, err
		}
		c.log.Debug().Str("opcode", cmd.Op.String()).Uint8("value", cmd.Value).Err(err).Msg("Reply absorbed")
		return false, nil
	}

	c.state = state
	c.fresh = true
	return true, nil
}

// fail handles errors escalated from an exchange. Sensor faults are
// handled here; device loss is returned to the caller.
func (c *Controller) fail(err error) error {
	now := c.now()

	if errors.Is(err, hardware.ErrSensorFault) {
		if c.session.Phase == PhaseSensorFault {
			return nil
		}
		c.log.Error().Err(err).Msg("Sensor fault, outputs off")
		if ferr := c.forceOff(); ferr != nil {
			return c.fail(ferr)
		}
		c.session.Running = false
		c.setPhase(PhaseSensorFault, now)
		c.emit(Event{Kind: EventFatalFault, Time: now, Fault: FaultSensor, Message: err.Error()})
		return nil
	}

	c.log.Error().Err(err).Msg("Device lost")
	c.emit(Event{Kind: EventFatalFault, Time: now, Fault: FaultDevice, Message: err.Error()})
	return err
}

func (c *Controller) setPhase(p Phase, now time.Time) {
	if c.session.Phase == p {
		return
	}
	c.log.Info().Str("from", c.session.Phase.String()).Str("to", p.String()).Msg("Phase change")
	c.session.Phase = p
	c.emit(Event{Kind: EventPhaseChange, Time: now})
}

//////////////////////////////////////////////////////////////
// Publication
//////////////////////////////////////////////////////////////

func (c *Controller) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Time:     now,
		Hardware: c.state,
		Session:  c.session,
	}
	snap.Hardware.Fault = c.model.Faulted()
	if src, ok := c.link.(statsSource); ok {
		stats := src.Statistics()
		snap.Stats = &stats
	}
	return snap
}

func (c *Controller) publish(now time.Time) {
	snap := c.snapshot(now)

	c.latestMu.Lock()
	c.latest = snap
	c.hasState = c.state.Valid()
	c.latestMu.Unlock()

	if snap.Session.Running && c.fresh {
		for _, r := range c.recorders {
			if err := r.Record(snap); err != nil {
				c.log.Warn().Err(err).Msg("Recorder failed")
			}
		}
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for sub := range c.subs {
		sub.offer(snap)
	}
}

func (c *Controller) emit(ev Event) {
	ev.Phase = c.session.Phase
	ev.RunID = c.session.RunID

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for sub := range c.subs {
		sub.notify(ev)
	}
}

// Latest returns the most recent snapshot and whether it holds hardware
// state. Safe to call from any goroutine.
func (c *Controller) Latest() (Snapshot, bool) {
	c.latestMu.RLock()
	defer c.latestMu.RUnlock()
	return c.latest, c.hasState
}

// Config returns the control constants
func (c *Controller) Config() Config {
	return c.cfg
}
