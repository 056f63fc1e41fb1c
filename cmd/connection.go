// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/Thermoquad/bagwarmer/pkg/capture"
	"github.com/Thermoquad/bagwarmer/pkg/control"
	"github.com/Thermoquad/bagwarmer/pkg/hardware"
	"github.com/Thermoquad/bagwarmer/pkg/link"
	"github.com/Thermoquad/bagwarmer/pkg/simulator"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("BAGWARMER_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// OpenConnection opens a simulated, WebSocket or serial connection based on
// flags and configuration. The simulator is returned when one was created.
func OpenConnection() (link.Connection, string, *simulator.Device, error) {
	if simulate {
		dev := simulator.New(simulator.Options{Opcodes: cfg.Protocol, Speed: simSpeed})
		return dev, fmt.Sprintf("Simulated warmer (x%.0f)", simSpeed), dev, nil
	}

	if ws := cfg.WebSocket; ws.URL != "" {
		// WebSocket mode
		password := ""
		if ws.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", nil, err
			}
		}

		conn, err := link.OpenWebSocketConnection(ws.URL, ws.Username, password, ws.NoSSLVerify)
		if err != nil {
			return nil, "", nil, err
		}

		return conn, fmt.Sprintf("WebSocket: %s", ws.URL), nil, nil
	}

	if s := cfg.Serial; s.Port != "" {
		// Serial mode
		conn, err := link.OpenSerialConnection(s.Port, s.Baud)
		if err != nil {
			return nil, "", nil, err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", s.Port, s.Baud), nil, nil
	}

	return nil, "", nil, fmt.Errorf("either --port, --url or --simulate must be specified")
}

// resetLine returns the configured reset line for conn, or nil
func resetLine(conn link.Connection) link.ResetLine {
	switch cfg.Reset.Line {
	case "dtr":
		if sc, ok := conn.(*link.SerialConnection); ok {
			return link.NewDTRLine(sc)
		}
		log.Warn().Msg("DTR reset needs a serial connection, skipping reset")
	case "gpio":
		return &link.GPIOLine{Pin: cfg.Reset.GPIOPin}
	}
	return nil
}

// station bundles everything a controller-driving command opens
type station struct {
	conn    link.Connection
	info    string
	sim     *simulator.Device
	link    *link.Link
	ctrl    *control.Controller
	capture *capture.Writer
}

// openStation opens the connection and builds the link and controller
func openStation(extra ...control.Option) (*station, error) {
	conn, info, sim, err := OpenConnection()
	if err != nil {
		return nil, err
	}

	st := &station{conn: conn, info: info, sim: sim}

	linkOpts := []link.Option{
		link.WithOpcodes(cfg.Protocol),
		link.WithTimeout(cfg.Serial.Timeout),
	}
	if cfg.Capture.Path != "" {
		w, err := capture.Create(cfg.Capture.Path)
		if err != nil {
			conn.Close()
			return nil, err
		}
		st.capture = w
		linkOpts = append(linkOpts, link.WithRecorder(w))
		log.Info().Str("path", cfg.Capture.Path).Msg("Capturing exchanges")
	}
	st.link = link.New(conn, linkOpts...)

	opts := extra
	if line := resetLine(conn); line != nil && sim == nil {
		opts = append(opts, control.WithResetLine(line))
	}
	st.ctrl = control.New(st.link, hardware.NewModel(cfg.Model()), cfg.ControlLoop(), opts...)

	return st, nil
}

// Close releases the link and capture file
func (s *station) Close() {
	if err := s.link.Close(); err != nil {
		log.Debug().Err(err).Msg("Link close")
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			log.Warn().Err(err).Msg("Capture close")
		}
	}
}
