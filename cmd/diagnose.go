// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

var (
	showAll         bool
	statsInterval   int
	useTUI          bool
	pollInterval    time.Duration
	diagnoseTimeout time.Duration
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Poll the warmer and analyze exchange errors",
	Long: `Send STATUS_REQUEST repeatedly and track failures with statistics.

Each exchange is validated and the command detects:
  - Timeouts, NACKs and checksum errors
  - Short or undecodable status payloads
  - Anomalous values (switch bytes not 0/1, invalid PWM code, temperatures
    above 60°C or not a number)
  - Statistics and trends (exchange rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid replies too.

No actuator commands are sent, so the command is safe to run against a
warmer holding a bag.`,
	Annotations: map[string]string{annotationTUI: "true"},
	RunE:        runDiagnose,
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all replies (not just errors)")
	diagnoseCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	diagnoseCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	diagnoseCmd.Flags().DurationVar(&pollInterval, "interval", 100*time.Millisecond, "Delay between status requests")
	diagnoseCmd.Flags().DurationVar(&diagnoseTimeout, "timeout", 0, "Exchange timeout (default from config)")
}

// exchangeMsg is the outcome of one status exchange
type exchangeMsg struct {
	at        time.Time
	payload   []byte
	status    *warmlink.StatusPayload
	err       error
	anomalies []warmlink.ValidationError
	stats     warmlink.Statistics
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	if !useTUI {
		// Text mode writes to the terminal; restore stderr logging
		if err := setupLogging(cfg.Log, false); err != nil {
			return err
		}
	}

	conn, connInfo, _, err := OpenConnection()
	if err != nil {
		return err
	}

	timeout := cfg.Serial.Timeout
	if diagnoseTimeout > 0 {
		timeout = diagnoseTimeout
	}
	l := link.New(conn, link.WithOpcodes(cfg.Protocol), link.WithTimeout(timeout))
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if useTUI {
		return runDiagnoseTUI(ctx, l, connInfo)
	}
	return runDiagnoseText(ctx, l, connInfo)
}

// pollStatus runs status exchanges until ctx is done or the device is lost
func pollStatus(ctx context.Context, l *link.Link, out chan<- exchangeMsg) {
	defer close(out)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msg := exchangeMsg{at: time.Now()}
		msg.payload, msg.err = l.SendCommand(warmlink.NewStatusRequest())
		if msg.err == nil {
			if status, err := warmlink.ParseStatus(msg.payload); err != nil {
				msg.err = err
			} else {
				msg.status = &status
				msg.anomalies = warmlink.ValidateStatus(status)
			}
		}
		msg.stats = l.Statistics()

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
		if link.IsDeviceError(msg.err) {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// runDiagnoseTUI runs diagnostics in TUI mode
func runDiagnoseTUI(ctx context.Context, l *link.Link, connInfo string) error {
	m := initialDiagnoseModel(connInfo, showAll)
	p := tea.NewProgram(m, tea.WithAltScreen())

	msgs := make(chan exchangeMsg, 1)
	go pollStatus(ctx, l, msgs)
	go func() {
		for msg := range msgs {
			p.Send(msg)
		}
		p.Send(connectionLostMsg{})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runDiagnoseText runs diagnostics in text mode
func runDiagnoseText(ctx context.Context, l *link.Link, connInfo string) error {
	fmt.Printf("Bagwarmer - Diagnostics\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All replies\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	msgs := make(chan exchangeMsg, 1)
	go pollStatus(ctx, l, msgs)

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	var last warmlink.Statistics
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				fmt.Print(last.String())
				return fmt.Errorf("device lost")
			}
			last = msg.stats
			printExchange(msg)

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(last.String())
			fmt.Println()

		case <-interrupt:
			fmt.Println()
			fmt.Print(last.String())
			return nil
		}
	}
}

// printExchange prints one exchange in highlighted format
func printExchange(msg exchangeMsg) {
	timestamp := msg.at.Format("15:04:05.000")

	switch {
	case msg.err != nil:
		fmt.Printf("[%s] \033[1;31mEXCHANGE ERROR:\033[0m %v\n", timestamp, msg.err)
		if len(msg.payload) > 0 {
			fmt.Printf("  Payload: %s\n", warmlink.FormatHex(msg.payload))
		}
		fmt.Printf("  >>> EXCHANGE FAILED <<<\n\n")

	case len(msg.anomalies) > 0:
		fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m STATUS\n", timestamp)
		fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")
		for i, a := range msg.anomalies {
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, a.Message)
			for k, v := range a.Details {
				fmt.Printf("    %s=%v\n", k, v)
			}
		}
		fmt.Printf("  >>> REPLY SUSPECT <<<\n\n")

	case showAll:
		fmt.Printf("[%s] ", timestamp)
		fmt.Print(warmlink.FormatStatus(cfg.Protocol, *msg.status))
	}
}
