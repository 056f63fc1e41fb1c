// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display frames on the line in human-readable format",
	Long: `Passively decode and display warmlink frames as they arrive.

Nothing is transmitted. Command frames and status replies are both shown,
so the command is useful on a tap of the line between an existing host and
the warmer.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, _, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Bagwarmer - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	decoder := warmlink.NewDecoder()
	buf := make([]byte, 128)

	for {
		select {
		case <-interrupt:
			return nil
		default:
		}

		n, err := conn.ReadTimeout(buf, 100*time.Millisecond)
		if err != nil {
			// A read error means the connection is permanently closed
			if errors.Is(err, link.ErrConnectionClosed) {
				log.Info().Msg("Connection closed")
				return nil
			}
			return err
		}

		for i := 0; i < n; i++ {
			payload, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v (%s)\n", err, warmlink.FormatHex(decoder.GetRawBytes()))
				continue
			}
			if payload != nil {
				fmt.Print(formatFrame(cfg.Protocol, time.Now(), payload))
			}
		}
	}
}

// formatFrame renders a decoded frame as a command or a status reply
func formatFrame(table warmlink.OpcodeTable, at time.Time, payload []byte) string {
	timestamp := at.Format("15:04:05.000")

	if len(payload) == 2 {
		if op, ok := table.Lookup(payload[0]); ok {
			return fmt.Sprintf("[%s] TX %s\n", timestamp,
				warmlink.FormatCommand(table, warmlink.Command{Op: op, Value: payload[1]}))
		}
	}

	if warmlink.IsNack(payload, table.Nack) {
		return fmt.Sprintf("[%s] RX NACK\n", timestamp)
	}

	if status, err := warmlink.ParseStatus(payload); err == nil {
		return fmt.Sprintf("[%s] RX ", timestamp) + warmlink.FormatStatus(table, status)
	}

	return fmt.Sprintf("[%s] ?? %s\n", timestamp, warmlink.FormatHex(payload))
}
