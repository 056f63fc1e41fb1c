// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/simulator"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type harness struct {
	t     *testing.T
	dev   *simulator.Device
	clock *fakeClock
	ctrl  *Controller
	sub   *Subscription
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithSender(t, cfg, func(l *link.Link) Sender { return l }, opts...)
}

func newHarnessWithSender(t *testing.T, cfg Config, wrap func(*link.Link) Sender, opts ...Option) *harness {
	t.Helper()
	dev := simulator.New(simulator.Options{Step: time.Millisecond})
	l := link.New(dev, link.WithTimeout(20*time.Millisecond))
	clock := &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	ctrl := New(wrap(l), hardware.NewModel(hardware.DefaultConfig()), cfg, opts...)

	h := &harness{t: t, dev: dev, clock: clock, ctrl: ctrl, sub: ctrl.Subscribe(128)}
	t.Cleanup(h.sub.Close)
	return h
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Tick())
}

func (h *harness) session() Session {
	snap, _ := h.ctrl.Latest()
	return snap.Session
}

// events drains queued events
func (h *harness) events() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// start polls once, then requests a start
func (h *harness) start() {
	h.t.Helper()
	h.tick()
	require.NoError(h.t, h.ctrl.RequestStart())
	h.tick()
}

// startHeating brings the controller from Idle to Heating at ambient temperature
func (h *harness) startHeating() {
	h.t.Helper()
	h.start()
	require.Equal(h.t, PhaseHeating, h.session().Phase)
}

func cmd(op warmlink.Opcode, v uint8) warmlink.Command {
	return warmlink.Command{Op: op, Value: v}
}

// ============================================================
// Duty computation
// ============================================================

func TestHeaterDuty(t *testing.T) {
	tests := []struct {
		name              string
		setpoint, average float64
		want              uint8
	}{
		{"saturates", 47.0, 37.0, 255},
		{"above setpoint", 37.0, 37.5, 0},
		{"at setpoint", 37.0, 37.0, 0},
		{"proportional", 37.0, 36.9, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeaterDuty(tt.setpoint, tt.average, 255))
		})
	}
}

func TestClampSetpoint(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 37.0, cfg.ClampSetpoint(30))
	assert.Equal(t, 41.0, cfg.ClampSetpoint(45))
	assert.Equal(t, 38.5, cfg.ClampSetpoint(38.5))
	assert.Equal(t, 37.0, cfg.ClampSetpoint(math.NaN()))
	assert.Equal(t, uint8(0), HeaterDuty(math.NaN(), 30, 255))
}

// ============================================================
// Lifecycle
// ============================================================

type fakeReset struct {
	holds []time.Duration
}

func (f *fakeReset) Pulse(hold time.Duration) error {
	f.holds = append(f.holds, hold)
	return nil
}

func TestInitialize(t *testing.T) {
	reset := &fakeReset{}
	h := newHarness(t, WithResetLine(reset))

	require.NoError(t, h.ctrl.Initialize())

	assert.Equal(t, []time.Duration{2 * time.Second}, reset.holds)
	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.MotorDutySet, 0),
		cmd(warmlink.FanDutySet, 0),
		cmd(warmlink.FanPowerSet, 0),
		cmd(warmlink.HeaterDutySet, 0),
		cmd(warmlink.FrequencySet, 15),
	}, h.dev.Commands())
}

func TestTick_IdlePollsStatus(t *testing.T) {
	h := newHarness(t)
	h.tick()

	assert.Equal(t, []warmlink.Command{cmd(warmlink.StatusRequest, 0)}, h.dev.Commands())
	snap, ok := h.ctrl.Latest()
	require.True(t, ok)
	assert.Equal(t, PhaseIdle, snap.Session.Phase)
	assert.InDelta(t, simulator.DefaultAmbient, snap.Hardware.Average, 0.01)
	require.NotNil(t, snap.Stats)
	assert.Equal(t, uint64(1), snap.Stats.ValidExchanges)
}

func TestStart_DoorClosed(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.dev.ClearCommands()

	require.NoError(t, h.ctrl.RequestStart())
	h.tick()

	s := h.session()
	assert.Equal(t, PhaseHeating, s.Phase)
	assert.True(t, s.Running)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", s.RunID.String())
	assert.Equal(t, uint8(255), s.LastHeaterDuty)

	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.MotorDutySet, 0xC0),
		cmd(warmlink.FanPowerSet, 1),
		cmd(warmlink.FanDutySet, 0xFF),
		cmd(warmlink.HeaterDutySet, 255),
	}, h.dev.Commands())

	events := h.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventPhaseChange, events[0].Kind)
	assert.Equal(t, PhaseHeating, events[0].Phase)
}

func TestStart_DoorOpen(t *testing.T) {
	h := newHarness(t)
	h.dev.SetDoor(false)
	h.tick()
	h.dev.ClearCommands()

	require.NoError(t, h.ctrl.RequestStart())
	h.tick()

	assert.Equal(t, PhaseIdle, h.session().Phase)
	assert.False(t, h.session().Running)
	assert.Equal(t, []warmlink.Command{cmd(warmlink.StatusRequest, 0)}, h.dev.Commands())
	assert.Equal(t, 1, countKind(h.events(), EventSafetyWarning))
}

func TestHeaterDuty_SentOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	h.startHeating()
	h.dev.ClearCommands()

	h.tick()
	assert.Equal(t, []warmlink.Command{cmd(warmlink.StatusRequest, 0)}, h.dev.Commands())
}

// ============================================================
// Interlocks
// ============================================================

func TestDoorInterlock(t *testing.T) {
	h := newHarness(t)
	h.startHeating()
	h.clock.Advance(time.Minute)
	h.tick()
	h.events()
	h.dev.ClearCommands()

	h.dev.SetDoor(false)
	h.tick()

	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.StatusRequest, 0),
		cmd(warmlink.MotorDutySet, 0),
		cmd(warmlink.FanPowerSet, 0),
		cmd(warmlink.HeaterDutySet, 0),
	}, h.dev.Commands())

	s := h.session()
	assert.Equal(t, PhaseDoorFault, s.Phase)
	assert.False(t, s.Running)

	events := h.events()
	assert.Equal(t, 1, countKind(events, EventSafetyWarning))
	assert.Equal(t, 1, countKind(events, EventPhaseChange))

	out := h.dev.Outputs()
	assert.Equal(t, uint8(0), out.MotorDuty)
	assert.Equal(t, uint8(0), out.HeaterDuty)
	assert.Equal(t, uint8(0), out.FanPower)

	// Terminal until stopped
	require.NoError(t, h.ctrl.RequestStart())
	h.dev.SetDoor(true)
	h.tick()
	assert.Equal(t, PhaseDoorFault, h.session().Phase)

	// Resume keeps the heating time; time spent stopped is not counted
	require.NoError(t, h.ctrl.RequestStop(false))
	h.tick()
	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.ctrl.RequestStart())
	h.tick()
	assert.Equal(t, PhaseHeating, h.session().Phase)
	assert.Equal(t, time.Minute, h.session().HeatElapsed)
}

// droppingSender loses the first n frames of one command before they
// reach the device
type droppingSender struct {
	*link.Link
	drop warmlink.Command
	n    int
}

func (d *droppingSender) SendCommand(c warmlink.Command) ([]byte, error) {
	if c == d.drop && d.n > 0 {
		d.n--
		return nil, link.ErrTimeout
	}
	return d.Link.SendCommand(c)
}

func newDroppingHarness(t *testing.T, drop warmlink.Command, n int) *harness {
	t.Helper()
	return newHarnessWithSender(t, DefaultConfig(), func(l *link.Link) Sender {
		return &droppingSender{Link: l, drop: drop, n: n}
	})
}

func TestDoorInterlock_RepeatsLostOffCommand(t *testing.T) {
	h := newDroppingHarness(t, cmd(warmlink.HeaterDutySet, 0), 1)
	h.startHeating()
	require.Equal(t, uint8(255), h.dev.Outputs().HeaterDuty)
	h.dev.ClearCommands()

	h.dev.SetDoor(false)
	h.tick()

	assert.Equal(t, PhaseDoorFault, h.session().Phase)
	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.StatusRequest, 0),
		cmd(warmlink.MotorDutySet, 0),
		cmd(warmlink.FanPowerSet, 0),
		cmd(warmlink.HeaterDutySet, 0),
	}, h.dev.Commands(), "the dropped frame never reached the device")

	out := h.dev.Outputs()
	assert.Zero(t, out.HeaterDuty)
	assert.Zero(t, out.MotorDuty)
	assert.Zero(t, out.FanPower)

	snap, _ := h.ctrl.Latest()
	assert.Zero(t, snap.Hardware.Outputs.HeaterDuty)
}

func TestStopped_ResendsOutputStillOn(t *testing.T) {
	h := newDroppingHarness(t, cmd(warmlink.HeaterDutySet, 0), offAttempts)
	h.startHeating()

	h.dev.SetDoor(false)
	h.tick()
	require.Equal(t, PhaseDoorFault, h.session().Phase)
	require.Equal(t, uint8(255), h.dev.Outputs().HeaterDuty, "every attempt was lost")
	h.dev.ClearCommands()

	h.tick()
	assert.Equal(t, []warmlink.Command{cmd(warmlink.HeaterDutySet, 0)}, h.dev.Commands())
	assert.Zero(t, h.dev.Outputs().HeaterDuty)

	// Confirmed off, so polling resumes
	h.dev.ClearCommands()
	h.tick()
	assert.Equal(t, []warmlink.Command{cmd(warmlink.StatusRequest, 0)}, h.dev.Commands())
}

func TestStop_RepeatsLostOffCommand(t *testing.T) {
	h := newDroppingHarness(t, cmd(warmlink.MotorDutySet, 0), 2)
	h.startHeating()

	require.NoError(t, h.ctrl.RequestStop(false))
	h.tick()

	assert.Equal(t, PhaseIdle, h.session().Phase)
	assert.Zero(t, h.dev.Outputs().MotorDuty)
	assert.Zero(t, h.dev.Outputs().HeaterDuty)
}

func TestSensorFault(t *testing.T) {
	h := newHarness(t)
	h.startHeating()
	h.events()
	h.dev.ClearCommands()

	h.dev.SetNegativeChannel(2)
	h.tick()

	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.StatusRequest, 0),
		cmd(warmlink.MotorDutySet, 0),
		cmd(warmlink.FanPowerSet, 0),
		cmd(warmlink.HeaterDutySet, 0),
	}, h.dev.Commands())
	assert.Equal(t, PhaseSensorFault, h.session().Phase)
	assert.False(t, h.session().Running)

	events := h.events()
	require.Equal(t, 1, countKind(events, EventFatalFault))
	for _, ev := range events {
		if ev.Kind == EventFatalFault {
			assert.Equal(t, FaultSensor, ev.Fault)
		}
	}

	snap, _ := h.ctrl.Latest()
	assert.True(t, snap.Hardware.Fault)

	// A repeated fault reading does not notify again
	h.tick()
	assert.Equal(t, 0, countKind(h.events(), EventFatalFault))

	h.dev.SetNegativeChannel(-1)

	// Stop without restart leaves the fault latched
	require.NoError(t, h.ctrl.RequestStop(false))
	h.tick()
	require.NoError(t, h.ctrl.RequestStart())
	h.tick()
	assert.Equal(t, PhaseIdle, h.session().Phase)

	require.NoError(t, h.ctrl.RequestStop(true))
	h.tick()
	require.NoError(t, h.ctrl.RequestStart())
	h.tick()
	assert.Equal(t, PhaseHeating, h.session().Phase)
}

func TestNaNReadingIsSensorFault(t *testing.T) {
	h := newHarness(t)
	h.startHeating()

	h.dev.SetChannelValue(float32(math.NaN()))
	h.tick()
	assert.Equal(t, PhaseSensorFault, h.session().Phase)
}

// ============================================================
// Phase machine
// ============================================================

func TestIncubation_CompletesOnce(t *testing.T) {
	h := newHarness(t)
	h.dev.SetBagTemperatures(37.0, 37.0)
	h.start()

	// Already within the band, so heating hands over on the start tick
	require.Equal(t, PhaseIncubating, h.session().Phase)
	phases := h.events()
	require.Len(t, phases, 2)
	assert.Equal(t, PhaseHeating, phases[0].Phase)
	assert.Equal(t, PhaseIncubating, phases[1].Phase)

	h.clock.Advance(3599 * time.Second)
	h.tick()
	require.Equal(t, PhaseIncubating, h.session().Phase)
	assert.Equal(t, 0, countKind(h.events(), EventIncubationComplete))

	h.clock.Advance(2 * time.Second)
	h.tick()
	h.clock.Advance(time.Second)
	h.tick()

	assert.Equal(t, PhaseComplete, h.session().Phase)
	assert.True(t, h.session().ReadyFired)
	assert.True(t, h.session().Running)
	assert.Equal(t, 1, countKind(h.events(), EventIncubationComplete))
}

func TestIncubation_ExcursionRestartsTimer(t *testing.T) {
	h := newHarness(t)
	h.dev.SetBagTemperatures(37.0, 37.0)
	h.start()
	require.Equal(t, PhaseIncubating, h.session().Phase)

	h.clock.Advance(10 * time.Minute)
	h.tick()
	assert.Equal(t, 10*time.Minute, h.session().IncElapsed)

	h.dev.SetBagTemperatures(35.0, 35.0)
	for i := 0; i < 20 && h.session().Phase != PhaseHeating; i++ {
		h.clock.Advance(time.Second)
		h.tick()
	}

	assert.Equal(t, PhaseHeating, h.session().Phase)
	assert.Equal(t, time.Duration(0), h.session().IncElapsed)
}

func TestDoorOpenAfterComplete(t *testing.T) {
	h := newHarness(t)
	h.dev.SetBagTemperatures(37.0, 37.0)
	h.start()
	h.clock.Advance(time.Hour)
	h.tick()
	require.Equal(t, PhaseComplete, h.session().Phase)
	h.events()

	h.dev.SetDoor(false)
	h.tick()

	assert.Equal(t, PhaseComplete, h.session().Phase)
	assert.False(t, h.session().Running)
	assert.Equal(t, 0, countKind(h.events(), EventSafetyWarning))
	assert.Equal(t, uint8(0), h.dev.Outputs().MotorDuty)
}

// ============================================================
// Operator requests
// ============================================================

func TestSetTarget(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.SetTarget(45))
	h.tick()
	assert.Equal(t, 41.0, h.session().Setpoint)

	require.NoError(t, h.ctrl.SetTarget(30))
	h.tick()
	assert.Equal(t, 37.0, h.session().Setpoint)

	require.NoError(t, h.ctrl.SetTarget(39.5))
	h.tick()
	assert.Equal(t, 39.5, h.session().Setpoint)
}

func TestSetTarget_RejectsNonFinite(t *testing.T) {
	h := newHarness(t)
	h.startHeating()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, h.ctrl.SetTarget(v), ErrInvalidSetpoint)
	}
	for i := 0; i < 5; i++ {
		h.tick()
	}

	s := h.session()
	assert.Equal(t, 37.0, s.Setpoint)
	assert.Equal(t, PhaseHeating, s.Phase)
	assert.Equal(t, uint8(255), h.dev.Outputs().HeaterDuty)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.startHeating()
	h.clock.Advance(time.Minute)
	h.tick()
	runID := h.session().RunID
	h.dev.ClearCommands()

	require.NoError(t, h.ctrl.RequestStop(false))
	h.tick()

	assert.Equal(t, []warmlink.Command{
		cmd(warmlink.MotorDutySet, 0),
		cmd(warmlink.FanPowerSet, 0),
		cmd(warmlink.HeaterDutySet, 0),
	}, h.dev.Commands())
	s := h.session()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.False(t, s.Running)
	assert.Equal(t, time.Minute, s.HeatElapsed)
	assert.Equal(t, runID, s.RunID)

	require.NoError(t, h.ctrl.RequestStop(true))
	h.tick()
	s = h.session()
	assert.Equal(t, time.Duration(0), s.HeatElapsed)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", s.RunID.String())
}

func TestQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	h := newHarnessWithConfig(t, cfg)

	require.NoError(t, h.ctrl.SetTarget(38))
	require.NoError(t, h.ctrl.SetTarget(39))
	assert.ErrorIs(t, h.ctrl.SetTarget(40), ErrQueueFull)

	h.tick()
	assert.Equal(t, 39.0, h.session().Setpoint)
}

func TestButtons(t *testing.T) {
	h := newHarness(t)

	h.dev.Press(simulator.ButtonUp)
	h.tick()
	h.tick()
	assert.InDelta(t, 37.1, h.session().Setpoint, 1e-9)

	h.dev.Press(simulator.ButtonSelect)
	h.tick()
	h.tick()
	assert.Equal(t, PhaseHeating, h.session().Phase)

	h.dev.Press(simulator.ButtonSelect)
	h.tick()
	h.tick()
	assert.Equal(t, PhaseIdle, h.session().Phase)
}

// ============================================================
// Transport failures
// ============================================================

func TestAbsorbedErrors(t *testing.T) {
	faults := map[string]func(d *simulator.Device, on bool){
		"timeout":  (*simulator.Device).SetSilent,
		"checksum": (*simulator.Device).SetCorrupt,
		"nack":     (*simulator.Device).SetNack,
	}

	for name, set := range faults {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.startHeating()
			before, _ := h.ctrl.Latest()

			set(h.dev, true)
			h.clock.Advance(time.Second)
			require.NoError(t, h.ctrl.Tick())

			after, _ := h.ctrl.Latest()
			assert.Equal(t, PhaseHeating, after.Session.Phase)
			assert.Equal(t, before.Hardware, after.Hardware)
			assert.Equal(t, before.Session.HeatElapsed, after.Session.HeatElapsed)

			set(h.dev, false)
			h.tick()
			after, _ = h.ctrl.Latest()
			assert.Equal(t, time.Second, after.Session.HeatElapsed)
		})
	}
}

func TestDeviceLost(t *testing.T) {
	h := newHarness(t)
	h.tick()

	h.dev.Fail()
	err := h.ctrl.Tick()
	require.Error(t, err)
	assert.True(t, link.IsDeviceError(err))

	events := h.events()
	require.Equal(t, 1, countKind(events, EventFatalFault))
	assert.Equal(t, FaultDevice, events[len(events)-1].Fault)
}

// ============================================================
// Publication
// ============================================================

type sampleRecorder struct {
	mu      sync.Mutex
	samples []Snapshot
}

func (r *sampleRecorder) Record(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func TestRecorder_OnlyWhileRunning(t *testing.T) {
	rec := &sampleRecorder{}
	h := newHarness(t, WithRecorder(rec))

	h.tick()
	assert.Empty(t, rec.samples)

	require.NoError(t, h.ctrl.RequestStart())
	h.tick()
	h.tick()
	assert.Len(t, rec.samples, 2)
}

func TestSnapshots_LatestWins(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.ctrl.SetTarget(37+float64(i)))
		h.tick()
	}

	// Intermediate snapshots were overwritten; the newest arrives last
	var last Snapshot
	for {
		select {
		case snap := <-h.sub.Snapshots():
			last = snap
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 41.0, last.Session.Setpoint)
}

func TestSubscriptionClose_WithUnreadSnapshots(t *testing.T) {
	h := newHarness(t)
	sub := h.ctrl.Subscribe(4)
	for i := 0; i < 5; i++ {
		h.tick()
	}

	// Nobody reads; closing still lets the snapshot channel wind down
	sub.Close()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Snapshots():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []Phase
	warnings int
	complete int
	faults   []FaultKind
	updates  int
}

func (o *recordingObserver) OnStateUpdate(Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates++
}

func (o *recordingObserver) OnPhaseChange(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) OnSafetyWarning() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings++
}

func (o *recordingObserver) OnIncubationComplete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.complete++
}

func (o *recordingObserver) OnFatalFault(f FaultKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, f)
}

func (o *recordingObserver) phaseList() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Phase(nil), o.phases...)
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	obs := &recordingObserver{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		Dispatch(ctx, h.sub, obs)
		close(done)
	}()

	h.startHeating()
	h.dev.SetDoor(false)
	h.tick()

	assert.Eventually(t, func() bool {
		return len(obs.phaseList()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Phase{PhaseHeating, PhaseDoorFault}, obs.phaseList())

	obs.mu.Lock()
	assert.Equal(t, 1, obs.warnings)
	assert.Positive(t, obs.updates)
	obs.mu.Unlock()

	cancel()
	<-done
}

func TestRun(t *testing.T) {
	dev := simulator.New(simulator.Options{})
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	ctrl := New(link.New(dev, link.WithTimeout(20*time.Millisecond)), hardware.NewModel(hardware.DefaultConfig()), cfg)
	sub := ctrl.Subscribe(0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()

	select {
	case snap := <-sub.Snapshots():
		assert.Equal(t, PhaseIdle, snap.Session.Phase)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	require.NoError(t, ctrl.RequestStart())
	require.Eventually(t, func() bool { return dev.Outputs().HeaterDuty > 0 || dev.Outputs().MotorDuty > 0 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	out := dev.Outputs()
	assert.Zero(t, out.MotorDuty, "outputs off after cancel")
	assert.Zero(t, out.HeaterDuty)
	assert.Zero(t, out.FanPower)

	// Subscriptions close with the loop
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Snapshots():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, ctrl.RequestStart(), ErrNotRunning)
}

func TestRun_DeviceLost(t *testing.T) {
	dev := simulator.New(simulator.Options{})
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	ctrl := New(link.New(dev, link.WithTimeout(20*time.Millisecond)), hardware.NewModel(hardware.DefaultConfig()), cfg)

	dev.Fail()
	err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, link.IsDeviceError(err))
}
