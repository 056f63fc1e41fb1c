// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bagwarmer/pkg/config"
)

// annotationTUI marks commands that own the terminal; their logs go to
// log.file or are discarded
const annotationTUI = "tui"

var (
	configPath string
	cfg        *config.Config
	logFile    io.Closer

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Simulated device
	simulate bool
	simSpeed float64
)

var rootCmd = &cobra.Command{
	Use:   "bagwarmer",
	Short: "Blood bag warmer controller",
	Long: `Bagwarmer - Controller for a two-bag blood warmer.

Drives the warmer's microcontroller over a serial line, regulates the bag
temperature to the operator's setpoint and times the incubation hold.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 19200]
  WebSocket: --url ws://host/path [--username user]
  Simulated: --simulate [--sim-speed 60]

For WebSocket authentication, the password is read from the BAGWARMER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 19200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use a simulated warmer instead of hardware")
	rootCmd.PersistentFlags().Float64Var(&simSpeed, "sim-speed", 1, "Time multiplier of the simulated thermal model")
}

// setup loads the configuration, applies flag overrides and configures logging
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serial.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud = baudRate
	}
	if flags.Changed("url") {
		cfg.WebSocket.URL = wsURL
	}
	if flags.Changed("username") {
		cfg.WebSocket.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.WebSocket.NoSSLVerify = wsNoSSLVerify
	}

	return setupLogging(cfg.Log, cmd.Annotations[annotationTUI] == "true")
}

// setupLogging configures the global zerolog logger
func setupLogging(lc config.LogConfig, tui bool) error {
	var out io.Writer = os.Stderr
	switch {
	case lc.File != "":
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		out = f
	case tui:
		out = io.Discard
	}

	if lc.Format != "json" && lc.File == "" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		if lc.Level != "" {
			log.Warn().Str("level", lc.Level).Msg("Invalid log level, defaulting to info")
		}
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
