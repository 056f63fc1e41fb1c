// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/simulator"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// operator is the controller surface the console drives
type operator interface {
	SetTarget(t float64) error
	RequestStart() error
	RequestStop(restart bool) error
}

type consoleKeyMap struct {
	Start    key.Binding
	Stop     key.Binding
	Restart  key.Binding
	Up       key.Binding
	Down     key.Binding
	Setpoint key.Binding
	Door     key.Binding
	Sensor   key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func newConsoleKeyMap(simulated bool) consoleKeyMap {
	k := consoleKeyMap{
		Start:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
		Stop:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
		Restart:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "stop and reset")),
		Up:       key.NewBinding(key.WithKeys("+", "=", "up"), key.WithHelp("+", "setpoint up")),
		Down:     key.NewBinding(key.WithKeys("-", "down"), key.WithHelp("-", "setpoint down")),
		Setpoint: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "type setpoint")),
		Door:     key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "toggle door (sim)")),
		Sensor:   key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "toggle sensor fault (sim)")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
	k.Door.SetEnabled(simulated)
	k.Sensor.SetEnabled(simulated)
	return k
}

func (k consoleKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.Up, k.Down, k.Help, k.Quit}
}

func (k consoleKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Stop, k.Restart},
		{k.Up, k.Down, k.Setpoint},
		{k.Door, k.Sensor},
		{k.Help, k.Quit},
	}
}

// consoleModel is the Bubble Tea model for the operator console
type consoleModel struct {
	ctrl     operator
	sim      *simulator.Device
	connInfo string
	loop     control.Config

	keys    consoleKeyMap
	help    help.Model
	input   textinput.Model
	editing bool

	snap    control.Snapshot
	hasSnap bool
	log     eventLog

	sensorFault bool
	stopped     bool
	stopErr     error

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type snapshotMsg control.Snapshot

type phaseMsg control.Phase

type safetyWarningMsg struct{}

type incubationCompleteMsg struct{}

type fatalFaultMsg control.FaultKind

type controllerDoneMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(ctrl *control.Controller, sim *simulator.Device, connInfo string) consoleModel {
	return newConsoleModel(ctrl, ctrl.Config(), sim, connInfo)
}

func newConsoleModel(ctrl operator, loop control.Config, sim *simulator.Device, connInfo string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = fmt.Sprintf("%.1f", loop.DefaultSetpoint)
	ti.CharLimit = 5
	ti.Width = 8

	return consoleModel{
		ctrl:     ctrl,
		sim:      sim,
		connInfo: connInfo,
		loop:     loop,
		keys:     newConsoleKeyMap(sim != nil),
		help:     help.New(),
		input:    ti,
		log:      eventLog{max: 100},
		width:    80,
		height:   24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tickCmd()
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateInput(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, tickCmd()

	case snapshotMsg:
		m.snap = control.Snapshot(msg)
		m.hasSnap = true

	case phaseMsg:
		phase := control.Phase(msg)
		m.log.add(fmt.Sprintf("Phase: %s", phase), phase == control.PhaseDoorFault || phase == control.PhaseSensorFault)

	case safetyWarningMsg:
		m.log.add("SAFETY: close the door to continue", true)

	case incubationCompleteMsg:
		m.log.add("Incubation complete, bags ready", false)

	case fatalFaultMsg:
		switch control.FaultKind(msg) {
		case control.FaultSensor:
			m.log.add("FAULT: temperature sensor, stop with reset to clear", true)
		default:
			m.log.add("FAULT: device lost", true)
		}

	case controllerDoneMsg:
		m.stopped = true
		m.stopErr = msg.err
		if msg.err != nil {
			m.log.add(fmt.Sprintf("Controller stopped: %v", msg.err), true)
		}
	}

	return m, nil
}

func (m consoleModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case m.stopped:
		// Controller gone, only quit and help remain

	case key.Matches(msg, m.keys.Start):
		m.request("Start", m.ctrl.RequestStart())

	case key.Matches(msg, m.keys.Stop):
		m.request("Stop", m.ctrl.RequestStop(false))

	case key.Matches(msg, m.keys.Restart):
		m.request("Stop and reset", m.ctrl.RequestStop(true))

	case key.Matches(msg, m.keys.Up):
		m.request("", m.ctrl.SetTarget(m.snap.Session.Setpoint+m.loop.SetpointStep))

	case key.Matches(msg, m.keys.Down):
		m.request("", m.ctrl.SetTarget(m.snap.Session.Setpoint-m.loop.SetpointStep))

	case key.Matches(msg, m.keys.Setpoint):
		m.editing = true
		m.input.SetValue("")
		cmd := m.input.Focus()
		return m, cmd

	case key.Matches(msg, m.keys.Door):
		closed := m.snap.Hardware.Switches.DoorClosed
		m.sim.SetDoor(!closed)
		m.log.add(fmt.Sprintf("Simulator: door %s", map[bool]string{true: "opened", false: "closed"}[closed]), false)

	case key.Matches(msg, m.keys.Sensor):
		m.sensorFault = !m.sensorFault
		if m.sensorFault {
			m.sim.SetNegativeChannel(warmlink.ChannelBag1A)
		} else {
			m.sim.SetNegativeChannel(-1)
		}
		m.log.add(fmt.Sprintf("Simulator: sensor fault %t", m.sensorFault), false)
	}

	return m, nil
}

func (m consoleModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil

	case "enter":
		m.editing = false
		m.input.Blur()
		t, err := strconv.ParseFloat(strings.TrimSpace(m.input.Value()), 64)
		if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
			m.log.add(fmt.Sprintf("Invalid setpoint %q", m.input.Value()), true)
			return m, nil
		}
		clamped := m.loop.ClampSetpoint(t)
		if clamped != t {
			m.log.add(fmt.Sprintf("Setpoint limited to %.1f°C", clamped), false)
		}
		m.request("", m.ctrl.SetTarget(t))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// request logs the outcome of queuing an operator request
func (m *consoleModel) request(name string, err error) {
	switch {
	case err != nil:
		m.log.add(fmt.Sprintf("Request not queued: %v", err), true)
	case name != "":
		m.log.add(name+" requested", false)
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down, turning outputs off...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("BAGWARMER"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render("| " + m.connInfo))
	s.WriteString("\n\n")

	if !m.hasSnap {
		s.WriteString(warningStyle.Render("Waiting for the warmer..."))
		s.WriteString("\n\n")
	} else {
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			boxStyle.Width(36).Render(m.renderSession()),
			" ",
			boxStyle.Width(36).Render(m.renderHardware()),
		))
		s.WriteString("\n\n")
		if m.snap.Stats != nil {
			s.WriteString(boxStyle.Width(m.width - 4).Render(renderStatistics(*m.snap.Stats)))
			s.WriteString("\n\n")
		}
	}

	if m.editing {
		s.WriteString(labelStyle.Render("Setpoint °C: "))
		s.WriteString(m.input.View())
		s.WriteString(headerStyle.Render(fmt.Sprintf("  (%.1f-%.1f, enter to apply, esc to cancel)", m.loop.MinSetpoint, m.loop.MaxSetpoint)))
		s.WriteString("\n\n")
	}

	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderEventLog(m.log, 8)))
	s.WriteString("\n")
	s.WriteString(m.help.View(m.keys))

	return s.String()
}

func phaseStyle(p control.Phase) lipgloss.Style {
	switch p {
	case control.PhaseDoorFault, control.PhaseSensorFault:
		return errorStyle
	case control.PhaseHeating:
		return warningStyle
	case control.PhaseIncubating, control.PhaseComplete:
		return valueStyle
	default:
		return headerStyle
	}
}

func (m consoleModel) renderSession() string {
	sess := m.snap.Session
	var s strings.Builder

	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Phase:"), phaseStyle(sess.Phase).Bold(true).Render(sess.Phase.String()))
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Setpoint:"), valueStyle.Render(fmt.Sprintf("%.1f°C", sess.Setpoint)))
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Heating:"), valueStyle.Render(formatClock(sess.HeatElapsed)))
	fmt.Fprintf(&s, "%s %s", labelStyle.Render("Incubation left:"), valueStyle.Render(formatClock(m.snap.IncubationRemaining(m.loop.Incubation))))
	if sess.ReadyFired {
		s.WriteString("\n" + valueStyle.Bold(true).Render("BAGS READY"))
	}
	return s.String()
}

func (m consoleModel) renderHardware() string {
	hw := m.snap.Hardware
	var s strings.Builder

	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Average:"), valueStyle.Render(fmt.Sprintf("%.2f°C", hw.Average)))
	fmt.Fprintf(&s, "%s %.2f°C  %s %.2f°C\n", labelStyle.Render("Bag 1:"), hw.Bag1, labelStyle.Render("Bag 2:"), hw.Bag2)

	door := valueStyle.Render("closed")
	if !hw.Switches.DoorClosed {
		door = errorStyle.Render("OPEN")
	}
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Door:"), door)
	fmt.Fprintf(&s, "%s %d  %s %d  %s %d",
		labelStyle.Render("Heater:"), hw.Outputs.HeaterDuty,
		labelStyle.Render("Fan:"), hw.Outputs.FanDuty,
		labelStyle.Render("Motor:"), hw.Outputs.MotorDuty)
	if hw.Fault {
		s.WriteString("\n" + errorStyle.Render("SENSOR FAULT"))
	}
	return s.String()
}

// formatClock formats a duration as hh:mm:ss
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
