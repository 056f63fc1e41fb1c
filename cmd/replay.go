// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/capture"
	"github.com/Thermoquad/bagwarmer/pkg/warmlink"
)

var replayErrorsOnly bool

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Print a recorded exchange capture",
	Long: `Decode a capture written by 'run' with capture.path set and
print every exchange with its decoded reply, followed by statistics.

No connection is opened.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayErrorsOnly, "errors-only", false, "Only print failed exchanges")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r := capture.NewReader(f)
	stats := warmlink.NewStatistics()
	first := true

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if result, anomalies, ok := rec.Outcome(); ok {
			stats.Update(result, anomalies)
		}
		// Rates follow the capture's own clock
		if first {
			stats.StartTime = rec.Time
			first = false
		}
		stats.LastUpdateTime = rec.Time

		if replayErrorsOnly && rec.Err == "" {
			continue
		}
		fmt.Print(rec.Format(cfg.Protocol))
		fmt.Println()
	}

	stats.CalculateRates()
	fmt.Print(stats.String())
	return nil
}
