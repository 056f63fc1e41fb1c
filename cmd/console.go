// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/datalog"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive operator console",
	Long: `Operate the warmer from an interactive terminal UI.

Features:
  - Live bag temperatures, phase, heater duty and incubation countdown
  - Setpoint adjustment (+/- or typed entry)
  - Start, stop and restart
  - Safety warnings and fault notifications
  - Exchange statistics

With --simulate the door and a sensor fault can be toggled from the keyboard.

Logs go to log.file when set, since the console owns the terminal.`,
	Annotations: map[string]string{annotationTUI: "true"},
	RunE:        runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// programObserver forwards controller notifications into the TUI
type programObserver struct {
	p *tea.Program
}

func (o programObserver) OnStateUpdate(s control.Snapshot) { o.p.Send(snapshotMsg(s)) }
func (o programObserver) OnPhaseChange(p control.Phase) { o.p.Send(phaseMsg(p)) }
func (o programObserver) OnSafetyWarning() { o.p.Send(safetyWarningMsg{}) }
func (o programObserver) OnIncubationComplete() { o.p.Send(incubationCompleteMsg{}) }
func (o programObserver) OnFatalFault(kind control.FaultKind) { o.p.Send(fatalFaultMsg(kind)) }

func runConsole(cmd *cobra.Command, args []string) error {
	var opts []control.Option
	if cfg.Datalog.Path != "" {
		dl, err := datalog.Open(cfg.Datalog.Path)
		if err != nil {
			return err
		}
		defer dl.Close()
		opts = append(opts, control.WithRecorder(dl))
	}

	st, err := openStation(opts...)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := initialConsoleModel(st.ctrl, st.sim, st.info)
	p := tea.NewProgram(m, tea.WithAltScreen())

	sub := st.ctrl.Subscribe(control.DefaultEventBuffer)
	go control.Dispatch(ctx, sub, programObserver{p: p})

	done := make(chan error, 1)
	go func() {
		err := st.ctrl.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Controller stopped")
		}
		p.Send(controllerDoneMsg{err: err})
		done <- err
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("TUI error: %w", err)
	}

	// Stop the loop; it turns the outputs off before returning
	cancel()
	return <-done
}
