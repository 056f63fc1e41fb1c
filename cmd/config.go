// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, environment
overrides and command line flags have been applied. Passwords are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cfg.WriteSummary(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
