// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// eventLog keeps the most recent entries
type eventLog struct {
	entries []logEntry
	max     int
}

func (l *eventLog) add(message string, isError bool) {
	l.entries = append(l.entries, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

type tickMsg time.Time

type connectionLostMsg struct{}

// Shared styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// diagnoseModel is the Bubble Tea model for the diagnose TUI
type diagnoseModel struct {
	connInfo   string
	showAll    bool
	stats      warmlink.Statistics
	log        eventLog
	lastStatus *warmlink.StatusPayload
	lastAt     time.Time
	width      int
	height     int
	quitting   bool
	lost       bool
}

func initialDiagnoseModel(connInfo string, showAll bool) diagnoseModel {
	return diagnoseModel{
		connInfo: connInfo,
		showAll:  showAll,
		stats:    *warmlink.NewStatistics(),
		log:      eventLog{max: 100},
		width:    80,
		height:   24,
	}
}

func (m diagnoseModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m diagnoseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case connectionLostMsg:
		m.lost = true
		m.log.add("Connection lost", true)

	case exchangeMsg:
		m.stats = msg.stats
		if msg.status != nil {
			m.lastStatus = msg.status
			m.lastAt = msg.at
		}

		switch {
		case msg.err != nil:
			m.log.add(fmt.Sprintf("EXCHANGE ERROR: %v", msg.err), true)
		case len(msg.anomalies) > 0:
			for _, a := range msg.anomalies {
				m.log.add("STATUS: "+a.Message, true)
			}
		case m.showAll:
			m.log.add("STATUS (valid)", false)
		}
	}

	return m, nil
}

func (m diagnoseModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("BAGWARMER - DIAGNOSTICS"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All replies"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	if m.lost {
		s.WriteString(errorStyle.Render("✗ Connection lost"))
		s.WriteString("\n\n")
	}

	s.WriteString(boxStyle.Render(renderStatistics(m.stats)))
	s.WriteString("\n\n")

	if m.lastStatus != nil {
		s.WriteString(labelStyle.Render("Latest Status:"))
		s.WriteString(headerStyle.Render(" " + m.lastAt.Format("15:04:05.000")))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(strings.TrimRight(warmlink.FormatStatus(cfg.Protocol, *m.lastStatus), "\n")))
		s.WriteString("\n\n")
	}

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 24 // Reserve space for header, stats and status
	if logHeight < 5 {
		logHeight = 5
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderEventLog(m.log, logHeight)))

	return s.String()
}

// renderStatistics renders the statistics box content
func renderStatistics(stats warmlink.Statistics) string {
	stats.CalculateRates()
	var validPercent, errorPercent float64
	if stats.TotalExchanges > 0 {
		validPercent = float64(stats.ValidExchanges) * 100.0 / float64(stats.TotalExchanges)
		errorPercent = float64(stats.Errors()) * 100.0 / float64(stats.TotalExchanges)
	}

	var content strings.Builder
	content.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", stats.TotalExchanges)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.ValidExchanges, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", stats.Errors(), errorPercent)),
	))

	if stats.Errors() > 0 {
		content.WriteString(fmt.Sprintf("%s %d  %s %d  %s %d  %s %d  %s %d\n",
			labelStyle.Render("Timeouts:"), stats.Timeouts,
			labelStyle.Render("Checksum:"), stats.ChecksumErrors,
			labelStyle.Render("NACK:"), stats.Nacks,
			labelStyle.Render("Short:"), stats.ShortPayloads,
			labelStyle.Render("Decode:"), stats.DecodeErrors,
		))
	}

	if stats.AnomalousValues > 0 {
		content.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d)\n",
			labelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", stats.AnomalousValues)),
			headerStyle.Render("switch"), stats.InvalidSwitch,
			headerStyle.Render("pwm"), stats.InvalidFreq,
			headerStyle.Render("temp"), stats.InvalidTemp,
		))
	}

	rate := valueStyle
	if stats.ErrorRate > 0 {
		rate = errorStyle
	}
	content.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Exchange Rate:"), valueStyle.Render(fmt.Sprintf("%.1f/s", stats.ExchangeRate)),
		labelStyle.Render("Error Rate:"), rate.Render(fmt.Sprintf("%.1f err/s", stats.ErrorRate)),
	))
	return content.String()
}

// renderEventLog renders the last height entries of an event log
func renderEventLog(l eventLog, height int) string {
	if len(l.entries) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	start := len(l.entries) - height
	if start < 0 {
		start = 0
	}

	var content strings.Builder
	for _, entry := range l.entries[start:] {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			content.WriteString(fmt.Sprintf("%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message)))
		} else {
			content.WriteString(fmt.Sprintf("%s %s\n", timestamp, warningStyle.Render("ℹ "+entry.message)))
		}
	}
	return strings.TrimRight(content.String(), "\n")
}
