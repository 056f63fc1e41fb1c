// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Request one status reply and print it",
	Long: `Send a single STATUS_REQUEST and print the decoded reply.

Exit codes:
  0 - Valid status received
  1 - Timeout, NACK, checksum error or implausible values
  2 - Connection error

Useful for checking the wiring to the warmer before a run.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", time.Second, "Time to wait for the reply")
}

func runStatus(cmd *cobra.Command, args []string) error {
	conn, connInfo, _, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	l := link.New(conn, link.WithOpcodes(cfg.Protocol), link.WithTimeout(statusTimeout))
	defer l.Close()

	fmt.Printf("Bagwarmer - Status\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	payload, err := l.SendCommand(warmlink.NewStatusRequest())
	switch {
	case link.IsDeviceError(err):
		fmt.Fprintf(os.Stderr, "Device error: %v\n", err)
		os.Exit(2)
	case errors.Is(err, link.ErrTimeout):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No reply within %s\n", statusTimeout)
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}

	status, err := warmlink.ParseStatus(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v (%s)\n", err, warmlink.FormatHex(payload))
		os.Exit(1)
	}

	fmt.Print(warmlink.FormatStatus(cfg.Protocol, status))

	if anomalies := warmlink.ValidateStatus(status); len(anomalies) > 0 {
		fmt.Println()
		for i, a := range anomalies {
			fmt.Fprintf(os.Stderr, "  Issue %d: %s\n", i+1, a.Message)
		}
		os.Exit(1)
	}

	return nil
}
